package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []string
	err   error
}

func (f *fakeSender) SendText(ctx context.Context, chatID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chats = append(f.chats, chatID)
	f.sent = append(f.sent, body)
	return nil
}

type fakeContacts struct {
	mu      sync.Mutex
	known   map[string]waclient.Contact
	saved   []waclient.Contact
	saveErr error
	lookErr error
}

func (f *fakeContacts) ContactByID(ctx context.Context, id string) (waclient.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookErr != nil {
		return waclient.Contact{}, f.lookErr
	}
	if c, ok := f.known[id]; ok {
		return c, nil
	}
	return waclient.Contact{}, waclient.ErrNotFound
}

func (f *fakeContacts) SaveContact(ctx context.Context, c waclient.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, c)
	return nil
}

func inbound() waclient.Message {
	return waclient.Message{
		ID:        "msg-1",
		ChatID:    "5511999998888@c.us",
		ChatKind:  waclient.ChatUser,
		SenderID:  "5511999998888@c.us",
		FromMe:    false,
		Kind:      waclient.MessageText,
		Body:      "hello",
		Timestamp: time.Now(),
	}
}

func TestDispatcherHandleMessage(t *testing.T) {
	t.Run("delivers payload and sends the reply back", func(t *testing.T) {
		var got Payload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &got)
			if r.Header.Get("Authorization") != "Bearer secret" {
				t.Errorf("missing bearer header, got %q", r.Header.Get("Authorization"))
			}
			_ = json.NewEncoder(w).Encode(Reply{Reply: "hi there"})
		}))
		defer srv.Close()

		sender := &fakeSender{}
		contacts := &fakeContacts{known: map[string]waclient.Contact{
			"5511999998888@c.us": {ID: "5511999998888@c.us", Name: "Alice"},
		}}
		d := New(sender, contacts, nil)
		if err := d.Configure(Config{URL: srv.URL, APIKey: "secret"}); err != nil {
			t.Fatal(err)
		}

		d.HandleMessage(context.Background(), inbound())

		if got.Body != "hello" || got.FromName != "Alice" {
			t.Errorf("payload = %+v", got)
		}
		if got.ID == "" {
			t.Error("expected generated delivery id")
		}
		if len(sender.sent) != 1 || sender.sent[0] != "hi there" {
			t.Errorf("reply not sent, sent = %v", sender.sent)
		}
		if sender.chats[0] != "5511999998888@c.us" {
			t.Errorf("reply went to %s", sender.chats[0])
		}
	})

	t.Run("empty response body means no reply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		sender := &fakeSender{}
		d := New(sender, &fakeContacts{}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		d.HandleMessage(context.Background(), inbound())

		if len(sender.sent) != 0 {
			t.Errorf("unexpected reply sent: %v", sender.sent)
		}
	})

	t.Run("delivery failure is swallowed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		sender := &fakeSender{}
		d := New(sender, &fakeContacts{}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		d.HandleMessage(context.Background(), inbound())

		if len(sender.sent) != 0 {
			t.Errorf("unexpected reply after failed delivery: %v", sender.sent)
		}
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		d := New(&fakeSender{}, &fakeContacts{}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		msg := inbound()
		msg.FromMe = true
		d.HandleMessage(context.Background(), msg)

		if called {
			t.Error("webhook called for own message")
		}
	})

	t.Run("no webhook configured is a no-op", func(t *testing.T) {
		contacts := &fakeContacts{}
		d := New(&fakeSender{}, contacts, nil)

		d.HandleMessage(context.Background(), inbound())

		// The sender is still auto-registered as a contact.
		if len(contacts.saved) != 1 {
			t.Errorf("expected contact registered, saved = %v", contacts.saved)
		}
	})

	t.Run("unknown sender gets a synthesized identity", func(t *testing.T) {
		var got Payload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &got)
		}))
		defer srv.Close()

		d := New(&fakeSender{}, &fakeContacts{lookErr: waclient.ErrDecode}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		msg := inbound()
		msg.SenderName = ""
		d.HandleMessage(context.Background(), msg)

		if got.FromName != "5511999998888" {
			t.Errorf("fromName = %q, want bare number", got.FromName)
		}
	})

	t.Run("contact save failure is ignored", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		d := New(&fakeSender{}, &fakeContacts{saveErr: errors.New("disk full")}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		d.HandleMessage(context.Background(), inbound())
	})

	t.Run("reply send failure is swallowed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(Reply{Reply: "hi"})
		}))
		defer srv.Close()

		d := New(&fakeSender{err: errors.New("not ready")}, &fakeContacts{}, nil)
		_ = d.Configure(Config{URL: srv.URL})

		d.HandleMessage(context.Background(), inbound())
	})
}

func TestDispatcherConfigure(t *testing.T) {
	t.Run("rejects non-http urls", func(t *testing.T) {
		d := New(nil, nil, nil)
		if err := d.Configure(Config{URL: "ftp://example.com/hook"}); err == nil {
			t.Error("expected error for ftp url")
		}
	})

	t.Run("applies method and timeout defaults", func(t *testing.T) {
		d := New(nil, nil, nil)
		if err := d.Configure(Config{URL: "https://example.com/hook"}); err != nil {
			t.Fatal(err)
		}
		cfg, ok := d.Current()
		if !ok {
			t.Fatal("expected config present")
		}
		if cfg.Method != http.MethodPost {
			t.Errorf("method = %s", cfg.Method)
		}
		if cfg.Timeout != 10*time.Second {
			t.Errorf("timeout = %v", cfg.Timeout)
		}
	})

	t.Run("remove clears the config", func(t *testing.T) {
		d := New(nil, nil, nil)
		_ = d.Configure(Config{URL: "https://example.com/hook"})
		d.Remove()
		if _, ok := d.Current(); ok {
			t.Error("expected no config after remove")
		}
	})
}

func TestDispatcherTest(t *testing.T) {
	t.Run("errors without config", func(t *testing.T) {
		d := New(nil, nil, nil)
		if err := d.Test(context.Background()); err == nil {
			t.Error("expected error with no webhook configured")
		}
	})

	t.Run("reports delivery success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		d := New(nil, nil, nil)
		_ = d.Configure(Config{URL: srv.URL})
		if err := d.Test(context.Background()); err != nil {
			t.Errorf("test delivery failed: %v", err)
		}
	})
}
