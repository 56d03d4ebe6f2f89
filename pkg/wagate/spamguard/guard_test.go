package spamguard

import (
	"errors"
	"testing"
	"time"
)

// testGuard returns a guard with a manually advanced clock.
func testGuard(limits Limits) (*Guard, *time.Time) {
	g := New(limits, nil, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"5511999998888@c.us", "5511999998888"},
		{"+55 (11) 99999-8888", "5511999998888"},
		{"5511999998888@s.whatsapp.net", "5511999998888"},
		{"5511999998888", "5511999998888"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestGuardCheck(t *testing.T) {
	t.Run("first send is allowed", func(t *testing.T) {
		g, _ := testGuard(DefaultLimits())
		if err := g.Check("5511999998888"); err != nil {
			t.Fatalf("expected allow, got %v", err)
		}
	})

	t.Run("check does not consume quota", func(t *testing.T) {
		g, _ := testGuard(DefaultLimits())
		for i := 0; i < 100; i++ {
			if err := g.Check("5511999998888"); err != nil {
				t.Fatalf("check %d rejected: %v", i, err)
			}
		}
		if g.Stats().SentToday != 0 {
			t.Error("expected zero counted sends after checks only")
		}
	})

	t.Run("min delay to the same recipient", func(t *testing.T) {
		g, now := testGuard(Limits{MinDelaySame: 2000 * time.Millisecond})
		g.RecordSent("5511999998888")

		*now = now.Add(100 * time.Millisecond)
		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) {
			t.Fatalf("expected verdict, got %v", err)
		}
		if v.Reason != "recipient_min_delay" {
			t.Errorf("reason = %s", v.Reason)
		}
		if v.Wait != 1900*time.Millisecond {
			t.Errorf("wait = %v, want 1.9s", v.Wait)
		}

		*now = now.Add(1900 * time.Millisecond)
		if err := g.Check("5511999998888"); err != nil {
			t.Errorf("expected allow after delay, got %v", err)
		}
	})

	t.Run("min delay across recipients", func(t *testing.T) {
		g, now := testGuard(Limits{MinDelayAny: time.Second})
		g.RecordSent("5511999998888")

		*now = now.Add(200 * time.Millisecond)
		err := g.Check("5511777776666")
		var v Verdict
		if !errors.As(err, &v) {
			t.Fatalf("expected verdict, got %v", err)
		}
		if v.Reason != "global_min_delay" {
			t.Errorf("reason = %s", v.Reason)
		}
	})

	t.Run("per recipient minute cap", func(t *testing.T) {
		g, now := testGuard(Limits{PerMinute: 5})
		for i := 0; i < 5; i++ {
			g.RecordSent("5511999998888")
		}

		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) || v.Reason != "recipient_per_minute" {
			t.Fatalf("expected minute cap verdict, got %v", err)
		}
		// Another recipient is unaffected.
		if err := g.Check("5511777776666"); err != nil {
			t.Errorf("other recipient rejected: %v", err)
		}

		*now = now.Add(time.Minute)
		if err := g.Check("5511999998888"); err != nil {
			t.Errorf("expected allow after window expiry, got %v", err)
		}
	})

	t.Run("global minute cap", func(t *testing.T) {
		g, _ := testGuard(Limits{GlobalPerMinute: 30})
		for i := 0; i < 30; i++ {
			g.RecordSent("5511000000000")
		}
		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) || v.Reason != "global_per_minute" {
			t.Fatalf("expected global cap verdict, got %v", err)
		}
	})

	t.Run("hourly caps are tracked but not enforced", func(t *testing.T) {
		g, now := testGuard(Limits{PerHour: 2, GlobalPerHour: 2})
		for i := 0; i < 5; i++ {
			g.RecordSent("5511999998888")
			*now = now.Add(time.Minute)
		}
		if err := g.Check("5511999998888"); err != nil {
			t.Errorf("hourly cap enforced: %v", err)
		}
		if got := g.Stats().SentThisHour; got != 5 {
			t.Errorf("hour counter = %d, want 5", got)
		}
	})

	t.Run("daily cap resets at UTC midnight", func(t *testing.T) {
		g, now := testGuard(Limits{PerDay: 2})
		*now = time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
		g.RecordSent("5511999998888")
		g.RecordSent("5511999998888")

		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) || v.Reason != "recipient_per_day" {
			t.Fatalf("expected daily cap verdict, got %v", err)
		}
		if v.Wait != time.Minute {
			t.Errorf("wait = %v, want 1m until midnight", v.Wait)
		}

		*now = time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC)
		if err := g.Check("5511999998888"); err != nil {
			t.Errorf("expected allow on the new calendar day, got %v", err)
		}
	})

	t.Run("daily cap holds within one calendar day", func(t *testing.T) {
		g, now := testGuard(Limits{PerDay: 2})
		*now = time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
		g.RecordSent("5511999998888")
		g.RecordSent("5511999998888")

		*now = time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
		if err := g.Check("5511999998888"); err == nil {
			t.Error("expected daily cap to hold until the date changes")
		}
	})

	t.Run("recipient limits win over global ones", func(t *testing.T) {
		g, now := testGuard(DefaultLimits())
		g.RecordSent("5511999998888")

		// Both the recipient (2s) and global (1s) min delays are still in
		// force; the recipient one decides the verdict.
		*now = now.Add(100 * time.Millisecond)
		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) {
			t.Fatalf("expected verdict, got %v", err)
		}
		if v.Reason != "recipient_min_delay" {
			t.Errorf("reason = %s, want recipient_min_delay", v.Reason)
		}
		if v.Wait != 1900*time.Millisecond {
			t.Errorf("wait = %v, want 1.9s", v.Wait)
		}
	})

	t.Run("minute window wins over min delay", func(t *testing.T) {
		g, _ := testGuard(Limits{PerMinute: 1, MinDelaySame: 2000 * time.Millisecond})
		g.RecordSent("5511999998888")

		err := g.Check("5511999998888")
		var v Verdict
		if !errors.As(err, &v) || v.Reason != "recipient_per_minute" {
			t.Fatalf("expected minute cap verdict, got %v", err)
		}
	})

	t.Run("id variants share one counter", func(t *testing.T) {
		g, _ := testGuard(Limits{PerMinute: 1})
		g.RecordSent("5511999998888@c.us")
		if err := g.Check("5511999998888"); err == nil {
			t.Error("expected variant to hit the same counter")
		}
	})
}

func TestGuardBlacklist(t *testing.T) {
	g, _ := testGuard(DefaultLimits())
	g.Blacklist("5511999998888@c.us")

	err := g.Check("5511999998888")
	var banned ErrBlacklisted
	if !errors.As(err, &banned) {
		t.Fatalf("expected blacklist error, got %v", err)
	}
	if banned.Recipient != "5511999998888" {
		t.Errorf("recipient = %s", banned.Recipient)
	}

	if !g.Unblacklist("5511999998888") {
		t.Error("expected unblacklist to report presence")
	}
	if g.Unblacklist("5511999998888") {
		t.Error("expected second unblacklist to report absence")
	}
	if err := g.Check("5511999998888"); err != nil {
		t.Errorf("expected allow after unblacklist, got %v", err)
	}
}

func TestGuardSweep(t *testing.T) {
	g, now := testGuard(DefaultLimits())
	g.RecordSent("5511999998888")
	g.RecordSent("5511777776666")

	if got := g.Stats().TrackedRecipients; got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	g.sweep()
	if got := g.Stats().TrackedRecipients; got != 2 {
		t.Errorf("active recipients swept early, tracked = %d", got)
	}

	*now = now.Add(25 * time.Hour)
	g.sweep()
	if got := g.Stats().TrackedRecipients; got != 0 {
		t.Errorf("idle recipients kept, tracked = %d", got)
	}
}

func TestGuardStats(t *testing.T) {
	g, _ := testGuard(DefaultLimits())
	g.RecordSent("5511999998888")
	g.RecordSent("5511777776666")
	g.Blacklist("5511000000000")

	st := g.Stats()
	if st.SentThisMinute != 2 || st.SentThisHour != 2 || st.SentToday != 2 {
		t.Errorf("unexpected counters: %+v", st)
	}
	if len(st.Blacklist) != 1 {
		t.Errorf("blacklist = %v", st.Blacklist)
	}
}
