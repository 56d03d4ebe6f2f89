// Package gateway composes the session, rate guard, media cache and webhook
// dispatcher into the message-sending service the HTTP layer exposes.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/jholhewres/wagate/pkg/wagate/mediacache"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/spamguard"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
	"github.com/jholhewres/wagate/pkg/wagate/webhook"
)

// Service is the gateway facade. All sends, reads and admin operations go
// through it.
type Service struct {
	logger   *slog.Logger
	session  *session.Session
	guard    *spamguard.Guard
	cache    *mediacache.Cache
	hooks    *webhook.Dispatcher
	contacts *ContactRegistry
	retry    session.RetryConfig
	fetcher  *mediaFetcher
}

// Options bundles the collaborators the service composes.
type Options struct {
	Session *session.Session
	Guard   *spamguard.Guard
	Cache   *mediacache.Cache
	Retry   session.RetryConfig
	Logger  *slog.Logger
}

// New wires the service. The webhook dispatcher is built here so its reply
// path re-enters the send pipeline.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:  logger.With("component", "gateway"),
		session: opts.Session,
		guard:   opts.Guard,
		cache:   opts.Cache,
		retry:   opts.Retry,
	}
	s.contacts = NewContactRegistry(opts.Session, logger)
	s.hooks = webhook.New(replySender{s}, s.contacts, logger)
	s.fetcher = newMediaFetcher(opts.Cache, logger)
	s.session.OnMessage(s.hooks.HandleMessage)
	return s
}

// replySender adapts the service for webhook replies so they face the same
// readiness and rate checks as any other send.
type replySender struct{ svc *Service }

func (r replySender) SendText(ctx context.Context, chatID, body string) error {
	_, err := r.svc.SendText(ctx, chatID, body)
	return err
}

// Webhooks exposes the dispatcher for configuration endpoints.
func (s *Service) Webhooks() *webhook.Dispatcher { return s.hooks }

// Guard exposes the rate guard for stats and blacklist endpoints.
func (s *Service) Guard() *spamguard.Guard { return s.guard }

// Cache exposes the media cache for stats and purge endpoints.
func (s *Service) Cache() *mediacache.Cache { return s.cache }

// Contacts exposes the contact registry.
func (s *Service) Contacts() *ContactRegistry { return s.contacts }

// Status reports the current session state.
func (s *Service) Status() session.Status { return s.session.Status() }

// Restart tears the session down and relaunches with a reset attempt
// counter.
func (s *Service) Restart() { s.session.Restart() }

// QR holds both representations of the current login QR.
type QR struct {
	Raw     string `json:"raw"`
	DataURL string `json:"dataUrl"`
}

// CurrentQR returns the pending login QR as raw payload and PNG data URL.
// Outside the QR window it returns false.
func (s *Service) CurrentQR() (QR, bool) {
	raw := s.session.CurrentQR()
	if raw == "" {
		return QR{}, false
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, 300)
	if err != nil {
		s.logger.Warn("qr encode failed", slog.Any("error", err))
		return QR{Raw: raw}, true
	}
	return QR{
		Raw:     raw,
		DataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, true
}

// WaitUntilReady blocks until the session passes the readiness gate or the
// timeout elapses.
func (s *Service) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	return s.session.WaitUntilReady(ctx, timeout)
}

// SendText sends a plain text message to a phone number or chat ID.
func (s *Service) SendText(ctx context.Context, to, body string) (waclient.Receipt, error) {
	if strings.TrimSpace(body) == "" {
		return waclient.Receipt{}, session.NewError(session.KindUnsupportedMedia, "empty message body")
	}
	return s.send(ctx, to, waclient.Outgoing{Kind: waclient.MessageText, Text: body})
}

// SendMedia downloads (or decodes) the media URL and sends it as an
// attachment with an optional caption.
func (s *Service) SendMedia(ctx context.Context, to, mediaURL, caption, filename string) (waclient.Receipt, error) {
	item, err := s.fetcher.Fetch(ctx, mediaURL)
	if err != nil {
		return waclient.Receipt{}, err
	}
	kind, err := kindForMime(item.MimeType)
	if err != nil {
		return waclient.Receipt{}, err
	}
	if filename == "" {
		filename = item.Filename
	}
	return s.send(ctx, to, waclient.Outgoing{
		Kind:     kind,
		Media:    item.Data,
		MimeType: item.MimeType,
		Filename: filename,
		Caption:  caption,
	})
}

// send is the pipeline every outbound message passes through: readiness
// gate with transient retry, destination resolution, rate guard, delivery,
// then counter recording.
func (s *Service) send(ctx context.Context, to string, content waclient.Outgoing) (waclient.Receipt, error) {
	if err := s.session.RetryTransient(ctx, s.retry, func() error {
		return s.session.CheckReady(ctx)
	}); err != nil {
		return waclient.Receipt{}, err
	}

	target, err := s.resolveDestination(ctx, to)
	if err != nil {
		return waclient.Receipt{}, err
	}

	if err := s.guard.Check(target); err != nil {
		var banned spamguard.ErrBlacklisted
		if errors.As(err, &banned) {
			return waclient.Receipt{}, session.WrapError(session.KindBlacklisted, "recipient blocked", err)
		}
		var verdict spamguard.Verdict
		if errors.As(err, &verdict) {
			return waclient.Receipt{}, session.RateLimited(verdict.Reason, verdict.Wait)
		}
		return waclient.Receipt{}, err
	}

	client := s.session.Client()
	if client == nil {
		return waclient.Receipt{}, session.NewError(session.KindNotInitialized, "session not initialized")
	}

	receipt, err := client.SendMessage(ctx, target, content)
	if err != nil {
		return waclient.Receipt{}, fmt.Errorf("send to %s: %w", target, err)
	}

	s.guard.RecordSent(target)
	s.logger.Info("message sent",
		slog.String("to", target),
		slog.String("kind", string(content.Kind)),
		slog.String("messageId", receipt.MessageID))
	return receipt, nil
}

// resolveDestination turns a bare phone number into a canonical chat ID,
// verifying registration. IDs that already carry a server suffix pass
// through untouched.
func (s *Service) resolveDestination(ctx context.Context, to string) (string, error) {
	if strings.ContainsRune(to, '@') {
		return to, nil
	}
	digits := spamguard.Normalize(to)
	if digits == "" {
		return "", session.NewError(session.KindDestinationNotFound, "destination has no digits: "+to)
	}
	client := s.session.Client()
	if client == nil {
		return "", session.NewError(session.KindNotInitialized, "session not initialized")
	}
	id, err := client.ResolveNumber(ctx, digits)
	if err != nil {
		if errors.Is(err, waclient.ErrNotFound) {
			return "", session.WrapError(session.KindDestinationNotFound, "number not registered: "+digits, err)
		}
		return "", fmt.Errorf("resolve %s: %w", digits, err)
	}
	return id, nil
}
