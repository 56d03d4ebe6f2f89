// Package webhook forwards inbound messages to a configured HTTP endpoint
// and relays the endpoint's reply back to the chat.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// Config describes one webhook target.
type Config struct {
	URL     string        `yaml:"url" json:"url"`
	Method  string        `yaml:"method" json:"method"`
	APIKey  string        `yaml:"api_key" json:"apiKey,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func (c *Config) applyDefaults() {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Payload is the JSON body delivered to the webhook.
type Payload struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	ChatID    string    `json:"chatId"`
	ChatKind  string    `json:"chatKind"`
	Body      string    `json:"body"`
	MediaType string    `json:"mediaType,omitempty"`
}

// Reply is the optional response body the webhook may return to answer the
// sender in the originating chat.
type Reply struct {
	Reply string `json:"reply"`
}

// Sender delivers a reply back through the normal send pipeline, so replies
// face the same readiness and rate checks as any other message.
type Sender interface {
	SendText(ctx context.Context, chatID, body string) error
}

// ContactStore resolves and persists sender identities.
type ContactStore interface {
	ContactByID(ctx context.Context, id string) (waclient.Contact, error)
	SaveContact(ctx context.Context, c waclient.Contact) error
}

// Dispatcher fans inbound messages out to the configured webhook. Every
// failure is contained: message reception never depends on webhook health.
type Dispatcher struct {
	logger   *slog.Logger
	sender   Sender
	contacts ContactStore
	client   *http.Client

	mu  sync.RWMutex
	cfg *Config
}

// New builds a dispatcher with no webhook configured.
func New(sender Sender, contacts ContactStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger.With("component", "webhook"),
		sender:   sender,
		contacts: contacts,
		client:   &http.Client{},
	}
}

// Configure installs or replaces the webhook target.
func (d *Dispatcher) Configure(cfg Config) error {
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return fmt.Errorf("webhook url must be http or https: %q", cfg.URL)
	}
	cfg.applyDefaults()
	d.mu.Lock()
	d.cfg = &cfg
	d.mu.Unlock()
	d.logger.Info("webhook configured", slog.String("url", cfg.URL))
	return nil
}

// Current returns the active config, or false when none is set.
func (d *Dispatcher) Current() (Config, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cfg == nil {
		return Config{}, false
	}
	return *d.cfg, true
}

// Remove clears the webhook target.
func (d *Dispatcher) Remove() {
	d.mu.Lock()
	d.cfg = nil
	d.mu.Unlock()
	d.logger.Info("webhook removed")
}

// Test sends a synthetic payload to the configured webhook and returns the
// delivery error, if any.
func (d *Dispatcher) Test(ctx context.Context) error {
	cfg, ok := d.Current()
	if !ok {
		return errors.New("no webhook configured")
	}
	payload := Payload{
		ID:        uuid.NewString(),
		MessageID: "test",
		Timestamp: time.Now().UTC(),
		From:      "test",
		FromName:  "Webhook Test",
		ChatID:    "test",
		ChatKind:  "user",
		Body:      "webhook connectivity test",
	}
	_, err := d.deliver(ctx, cfg, payload)
	return err
}

// HandleMessage processes one inbound message. It never returns an error:
// all failures are logged and swallowed.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg waclient.Message) {
	if msg.FromMe {
		return
	}

	cfg, configured := d.Current()

	identity := d.resolveIdentity(ctx, msg)
	d.registerContact(ctx, identity)

	if !configured {
		d.logger.Debug("message received, no webhook configured",
			slog.String("from", msg.SenderID), slog.String("chat", msg.ChatID))
		return
	}

	payload := Payload{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Timestamp: msg.Timestamp.UTC(),
		From:      msg.SenderID,
		FromName:  identity.DisplayName(),
		ChatID:    msg.ChatID,
		ChatKind:  string(msg.ChatKind),
		Body:      msg.Body,
		MediaType: string(msg.Kind),
	}

	reply, err := d.deliver(ctx, cfg, payload)
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			slog.String("url", cfg.URL), slog.Any("error", err))
		return
	}
	if reply == "" {
		return
	}

	if d.sender == nil {
		return
	}
	if err := d.sender.SendText(ctx, msg.ChatID, reply); err != nil {
		d.logger.Warn("webhook reply send failed",
			slog.String("chat", msg.ChatID), slog.Any("error", err))
	}
}

// resolveIdentity looks the sender up in the contact store, falling back to
// a synthesized identity when the record is missing or unreadable.
func (d *Dispatcher) resolveIdentity(ctx context.Context, msg waclient.Message) waclient.Contact {
	if d.contacts != nil {
		c, err := d.contacts.ContactByID(ctx, msg.SenderID)
		if err == nil {
			return c
		}
		if !errors.Is(err, waclient.ErrNotFound) {
			d.logger.Debug("contact lookup failed, synthesizing identity",
				slog.String("sender", msg.SenderID), slog.Any("error", err))
		}
	}
	name := msg.SenderName
	if name == "" {
		name = bareNumber(msg.SenderID)
	}
	return waclient.Contact{ID: msg.SenderID, PushName: name}
}

// registerContact persists the sender so later lookups resolve. Failures
// are logged and ignored.
func (d *Dispatcher) registerContact(ctx context.Context, c waclient.Contact) {
	if d.contacts == nil {
		return
	}
	if err := d.contacts.SaveContact(ctx, c); err != nil {
		d.logger.Debug("contact auto-register failed",
			slog.String("id", c.ID), slog.Any("error", err))
	}
}

func bareNumber(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		return id[:at]
	}
	return id
}

// deliver posts the payload and parses an optional reply from the response
// body. Non-2xx statuses are errors.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, cfg.Method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		// Non-JSON bodies are acknowledgements, not replies.
		return "", nil
	}
	return strings.TrimSpace(r.Reply), nil
}
