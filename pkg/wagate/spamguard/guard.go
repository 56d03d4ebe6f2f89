// Package spamguard enforces per-recipient and global send limits with
// sliding windows, daily caps and a recipient blacklist.
package spamguard

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Limits configures the guard. Zero-valued limits are disabled.
type Limits struct {
	// Per-recipient windows. PerHour is tracked and reported but not
	// enforced.
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`

	// Global windows across all recipients. GlobalPerHour and GlobalPerDay
	// are tracked and reported but not enforced.
	GlobalPerMinute int `yaml:"global_per_minute"`
	GlobalPerHour   int `yaml:"global_per_hour"`
	GlobalPerDay    int `yaml:"global_per_day"`

	// Minimum spacing between sends.
	MinDelaySame time.Duration `yaml:"min_delay_same"`
	MinDelayAny  time.Duration `yaml:"min_delay_any"`
}

// DefaultLimits mirrors the service defaults.
func DefaultLimits() Limits {
	return Limits{
		PerMinute:       5,
		PerHour:         20,
		PerDay:          50,
		GlobalPerMinute: 30,
		GlobalPerHour:   200,
		GlobalPerDay:    1000,
		MinDelaySame:    2000 * time.Millisecond,
		MinDelayAny:     1000 * time.Millisecond,
	}
}

// window counts sends within a fixed interval starting at start.
type window struct {
	start time.Time
	count int
}

// activeCount returns the count if the window is still live at now, zero
// otherwise. It never mutates the window.
func (w window) activeCount(now time.Time, span time.Duration) int {
	if w.start.IsZero() || now.Sub(w.start) >= span {
		return 0
	}
	return w.count
}

// bump resets an expired window and increments the count.
func (w *window) bump(now time.Time, span time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
	w.count++
}

// dayCounter counts sends within a single UTC calendar day. A stored
// count from any other date reads as zero.
type dayCounter struct {
	date  string
	count int
}

func (d dayCounter) activeCount(now time.Time) int {
	if d.date != utcDate(now) {
		return 0
	}
	return d.count
}

func (d *dayCounter) bump(now time.Time) {
	if today := utcDate(now); d.date != today {
		d.date = today
		d.count = 0
	}
	d.count++
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func untilNextUTCDay(now time.Time) time.Duration {
	midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now)
}

// recipient tracks per-destination counters.
type recipient struct {
	minute   window
	hour     window
	day      dayCounter
	lastSend time.Time
}

func (r *recipient) idle(now time.Time) bool {
	return r.minute.activeCount(now, time.Minute) == 0 &&
		r.hour.activeCount(now, time.Hour) == 0 &&
		r.day.activeCount(now) == 0 &&
		(r.lastSend.IsZero() || now.Sub(r.lastSend) > 24*time.Hour)
}

// Verdict explains a rejected send.
type Verdict struct {
	Reason string
	// Wait is how long the caller should wait before retrying, when
	// the rejection is time-based.
	Wait time.Duration
}

func (v Verdict) Error() string {
	if v.Wait > 0 {
		return fmt.Sprintf("%s, retry in %s", v.Reason, v.Wait)
	}
	return v.Reason
}

// ErrBlacklisted marks a permanently blocked recipient.
type ErrBlacklisted struct{ Recipient string }

func (e ErrBlacklisted) Error() string {
	return "recipient blacklisted: " + e.Recipient
}

// Stats is the observable guard state.
type Stats struct {
	TrackedRecipients int      `json:"trackedRecipients"`
	SentThisMinute    int      `json:"sentThisMinute"`
	SentThisHour      int      `json:"sentThisHour"`
	SentToday         int      `json:"sentToday"`
	Blacklist         []string `json:"blacklist"`
}

// Guard is the rate limiter. Check is read-only; a send is only recorded
// through RecordSent after delivery succeeds.
type Guard struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	recipients map[string]*recipient
	global     recipient
	blacklist  map[string]struct{}

	cron *cron.Cron

	allowed prometheus.Counter
	denied  *prometheus.CounterVec
}

// New builds a guard and registers its metrics on reg when non-nil.
func New(limits Limits, logger *slog.Logger, reg prometheus.Registerer) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		limits:     limits,
		logger:     logger.With("component", "spamguard"),
		now:        time.Now,
		recipients: make(map[string]*recipient),
		blacklist:  make(map[string]struct{}),
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wagate_guard_allowed_total",
			Help: "Sends that passed the rate guard.",
		}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_guard_denied_total",
			Help: "Sends rejected by the rate guard.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(g.allowed, g.denied)
	}
	return g
}

// StartSweeper begins the periodic cleanup of idle recipient entries.
func (g *Guard) StartSweeper() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cron != nil {
		return
	}
	g.cron = cron.New()
	_, _ = g.cron.AddFunc("*/5 * * * *", g.sweep)
	g.cron.Start()
}

// StopSweeper halts the cleanup job.
func (g *Guard) StopSweeper() {
	g.mu.Lock()
	c := g.cron
	g.cron = nil
	g.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (g *Guard) sweep() {
	now := g.now()
	g.mu.Lock()
	removed := 0
	for key, r := range g.recipients {
		if r.idle(now) {
			delete(g.recipients, key)
			removed++
		}
	}
	g.mu.Unlock()
	if removed > 0 {
		g.logger.Debug("swept idle recipients", slog.Int("removed", removed))
	}
}

// Normalize canonicalizes a recipient identifier by stripping the chat
// suffix and every non-digit character.
func Normalize(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Check evaluates whether a send to the recipient would be allowed right
// now. It never mutates counters: callers that go on to send must call
// RecordSent afterwards.
func (g *Guard) Check(id string) error {
	key := Normalize(id)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, banned := g.blacklist[key]; banned {
		g.denied.WithLabelValues("blacklisted").Inc()
		return ErrBlacklisted{Recipient: key}
	}

	// Recipient limits are checked before global ones, and each scope checks
	// its window before its min-delay. The first limit hit decides the reason
	// and wait reported to the caller.
	if r := g.recipients[key]; r != nil {
		if v := g.checkRecipient(r, now); v != nil {
			g.denied.WithLabelValues(v.Reason).Inc()
			return *v
		}
	}
	if v := g.checkGlobal(now); v != nil {
		g.denied.WithLabelValues(v.Reason).Inc()
		return *v
	}
	return nil
}

func (g *Guard) checkGlobal(now time.Time) *Verdict {
	l := g.limits
	if l.GlobalPerMinute > 0 && g.global.minute.activeCount(now, time.Minute) >= l.GlobalPerMinute {
		return &Verdict{Reason: "global_per_minute", Wait: windowRemaining(g.global.minute, now, time.Minute)}
	}
	if l.MinDelayAny > 0 && !g.global.lastSend.IsZero() {
		if since := now.Sub(g.global.lastSend); since < l.MinDelayAny {
			return &Verdict{Reason: "global_min_delay", Wait: l.MinDelayAny - since}
		}
	}
	return nil
}

func (g *Guard) checkRecipient(r *recipient, now time.Time) *Verdict {
	l := g.limits
	if l.PerMinute > 0 && r.minute.activeCount(now, time.Minute) >= l.PerMinute {
		return &Verdict{Reason: "recipient_per_minute", Wait: windowRemaining(r.minute, now, time.Minute)}
	}
	if l.MinDelaySame > 0 && !r.lastSend.IsZero() {
		if since := now.Sub(r.lastSend); since < l.MinDelaySame {
			return &Verdict{Reason: "recipient_min_delay", Wait: l.MinDelaySame - since}
		}
	}
	if l.PerDay > 0 && r.day.activeCount(now) >= l.PerDay {
		return &Verdict{Reason: "recipient_per_day", Wait: untilNextUTCDay(now)}
	}
	return nil
}

func windowRemaining(w window, now time.Time, span time.Duration) time.Duration {
	if w.start.IsZero() {
		return 0
	}
	rem := span - now.Sub(w.start)
	if rem < 0 {
		return 0
	}
	return rem
}

// RecordSent registers one successful delivery, updating all recipient and
// global counters atomically.
func (g *Guard) RecordSent(id string) {
	key := Normalize(id)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.recipients[key]
	if r == nil {
		r = &recipient{}
		g.recipients[key] = r
	}
	r.minute.bump(now, time.Minute)
	r.hour.bump(now, time.Hour)
	r.day.bump(now)
	r.lastSend = now

	g.global.minute.bump(now, time.Minute)
	g.global.hour.bump(now, time.Hour)
	g.global.day.bump(now)
	g.global.lastSend = now

	g.allowed.Inc()
}

// Blacklist permanently blocks a recipient.
func (g *Guard) Blacklist(id string) {
	key := Normalize(id)
	g.mu.Lock()
	g.blacklist[key] = struct{}{}
	g.mu.Unlock()
	g.logger.Info("recipient blacklisted", slog.String("recipient", key))
}

// Unblacklist removes a recipient from the blacklist. It reports whether
// the recipient was present.
func (g *Guard) Unblacklist(id string) bool {
	key := Normalize(id)
	g.mu.Lock()
	_, ok := g.blacklist[key]
	delete(g.blacklist, key)
	g.mu.Unlock()
	return ok
}

// Stats snapshots current counters.
func (g *Guard) Stats() Stats {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	list := make([]string, 0, len(g.blacklist))
	for k := range g.blacklist {
		list = append(list, k)
	}
	return Stats{
		TrackedRecipients: len(g.recipients),
		SentThisMinute:    g.global.minute.activeCount(now, time.Minute),
		SentThisHour:      g.global.hour.activeCount(now, time.Hour),
		SentToday:         g.global.day.activeCount(now),
		Blacklist:         list,
	}
}
