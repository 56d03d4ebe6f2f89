package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/spamguard"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// ContactRegistry layers locally saved contacts over the client's own
// address book. Saved entries win on name conflicts; the client remains the
// authority on registration status.
type ContactRegistry struct {
	logger  *slog.Logger
	session *session.Session

	mu    sync.RWMutex
	saved map[string]waclient.Contact
}

func NewContactRegistry(sess *session.Session, logger *slog.Logger) *ContactRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactRegistry{
		logger:  logger.With("component", "contacts"),
		session: sess,
		saved:   make(map[string]waclient.Contact),
	}
}

func contactKey(id string) string { return spamguard.Normalize(id) }

// SaveContact stores or updates a local contact entry. When a client is
// available the number is verified against the network first; the canonical
// chat ID replaces whatever variant the caller supplied.
func (r *ContactRegistry) SaveContact(ctx context.Context, c waclient.Contact) error {
	key := contactKey(c.ID)
	if key == "" {
		return errors.New("contact id has no digits")
	}
	if c.Number == "" {
		c.Number = key
	}

	r.mu.RLock()
	_, known := r.saved[key]
	r.mu.RUnlock()

	// Verify new numbers only; refreshes of known contacts (webhook
	// auto-registration) must not cost a network round trip per message.
	if client := r.session.Client(); client != nil && !known {
		id, err := client.ResolveNumber(ctx, key)
		switch {
		case err == nil:
			c.ID = id
			c.IsRegistered = true
		case errors.Is(err, waclient.ErrNotFound):
			return fmt.Errorf("number not registered: %s", key)
		default:
			// Verification is best effort; an offline client must not
			// block saving.
			r.logger.Debug("contact verification skipped",
				slog.String("number", key), slog.Any("error", err))
		}
	}

	r.mu.Lock()
	existing, ok := r.saved[key]
	if ok {
		// Keep an explicitly set name over a push name refresh.
		if c.Name == "" {
			c.Name = existing.Name
		}
		if c.Description == "" {
			c.Description = existing.Description
		}
	}
	r.saved[key] = c
	r.mu.Unlock()
	return nil
}

// ContactByID resolves a contact, preferring the local entry and falling
// back to the live client. ErrNotFound when neither knows the identity.
func (r *ContactRegistry) ContactByID(ctx context.Context, id string) (waclient.Contact, error) {
	key := contactKey(id)

	r.mu.RLock()
	local, ok := r.saved[key]
	r.mu.RUnlock()
	if ok && local.Name != "" {
		return local, nil
	}

	client := r.session.Client()
	if client != nil {
		c, err := client.ContactByID(ctx, id)
		if err == nil {
			if ok && local.Name != "" {
				c.Name = local.Name
			}
			return c, nil
		}
		if !errors.Is(err, waclient.ErrNotFound) {
			r.logger.Debug("client contact lookup failed",
				slog.String("id", id), slog.Any("error", err))
		}
	}

	if ok {
		return local, nil
	}
	return waclient.Contact{}, waclient.ErrNotFound
}

// ListContacts merges the client address book with locally saved entries,
// sorted by display name.
func (r *ContactRegistry) ListContacts(ctx context.Context) ([]waclient.Contact, error) {
	merged := make(map[string]waclient.Contact)

	if client := r.session.Client(); client != nil {
		remote, err := client.ListContacts(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range remote {
			merged[contactKey(c.ID)] = c
		}
	}

	r.mu.RLock()
	for key, local := range r.saved {
		if remote, ok := merged[key]; ok {
			if local.Name != "" {
				remote.Name = local.Name
			}
			merged[key] = remote
			continue
		}
		merged[key] = local
	}
	r.mu.RUnlock()

	out := make([]waclient.Contact, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out, nil
}
