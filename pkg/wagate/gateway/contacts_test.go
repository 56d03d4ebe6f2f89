package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// An unstarted session has no client, so the registry exercises its local
// store only.
func localRegistry(t *testing.T) *ContactRegistry {
	t.Helper()
	sess := session.New(session.Config{DataDir: t.TempDir()}, nil, nil)
	return NewContactRegistry(sess, nil)
}

func TestContactRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("save and lookup", func(t *testing.T) {
		r := localRegistry(t)
		err := r.SaveContact(ctx, waclient.Contact{ID: "5511999998888@c.us", Name: "Alice"})
		if err != nil {
			t.Fatal(err)
		}

		c, err := r.ContactByID(ctx, "5511999998888")
		if err != nil {
			t.Fatal(err)
		}
		if c.Name != "Alice" {
			t.Errorf("name = %s", c.Name)
		}
		if c.Number != "5511999998888" {
			t.Errorf("number = %s", c.Number)
		}
	})

	t.Run("id variants resolve to the same entry", func(t *testing.T) {
		r := localRegistry(t)
		_ = r.SaveContact(ctx, waclient.Contact{ID: "5511999998888@c.us", Name: "Alice"})

		for _, id := range []string{"5511999998888", "+55 11 99999-8888", "5511999998888@s.whatsapp.net"} {
			if _, err := r.ContactByID(ctx, id); err != nil {
				t.Errorf("lookup %q failed: %v", id, err)
			}
		}
	})

	t.Run("explicit name survives a push-name refresh", func(t *testing.T) {
		r := localRegistry(t)
		_ = r.SaveContact(ctx, waclient.Contact{ID: "5511999998888", Name: "Alice"})
		_ = r.SaveContact(ctx, waclient.Contact{ID: "5511999998888", PushName: "alice99"})

		c, err := r.ContactByID(ctx, "5511999998888")
		if err != nil {
			t.Fatal(err)
		}
		if c.Name != "Alice" {
			t.Errorf("name = %s, want Alice", c.Name)
		}
	})

	t.Run("unknown contact returns not found", func(t *testing.T) {
		r := localRegistry(t)
		_, err := r.ContactByID(ctx, "5511000000000")
		if !errors.Is(err, waclient.ErrNotFound) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("rejects ids without digits", func(t *testing.T) {
		r := localRegistry(t)
		if err := r.SaveContact(ctx, waclient.Contact{ID: "not-a-number"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("list is sorted by display name", func(t *testing.T) {
		r := localRegistry(t)
		_ = r.SaveContact(ctx, waclient.Contact{ID: "5511000000002", Name: "Bob"})
		_ = r.SaveContact(ctx, waclient.Contact{ID: "5511000000001", Name: "Alice"})

		list, err := r.ListContacts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].Name != "Alice" || list[1].Name != "Bob" {
			t.Errorf("list = %+v", list)
		}
	})
}
