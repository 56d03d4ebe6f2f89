// Package waclient – whatsmeow.go is the production Client implementation
// backed by whatsmeow, the native Go WhatsApp Web API library. Session state
// is persisted in SQLite next to the profile directory.
package waclient

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// MeowConfig configures the whatsmeow-backed client.
type MeowConfig struct {
	// DataDir is the profile/session directory. The SQLite session store
	// lives at {DataDir}/session.db unless DatabasePath overrides it.
	DataDir string `yaml:"data_dir"`

	// DatabasePath overrides the session store location.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`
}

// Meow implements Client over whatsmeow.
type Meow struct {
	cfg    MeowConfig
	logger *slog.Logger

	mu      sync.Mutex
	client  *whatsmeow.Client
	handler Handler
	stopped bool
}

// NewMeow creates an unstarted whatsmeow-backed client.
func NewMeow(cfg MeowConfig, logger *slog.Logger) *Meow {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./whatsapp-session"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "wagate"
	}
	return &Meow{cfg: cfg, logger: logger.With("component", "waclient")}
}

// MeowFactory returns a Factory producing fresh whatsmeow clients, one per
// launch attempt.
func MeowFactory(cfg MeowConfig, logger *slog.Logger) Factory {
	return func(_ context.Context) (Client, error) {
		return NewMeow(cfg, logger), nil
	}
}

// SetHandler registers the event handler. Must be called before Start.
func (m *Meow) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Meow) emit(evt Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Start opens the session store, builds the whatsmeow client and connects.
// With no stored credentials the QR login flow runs in the background and
// codes are delivered as QREvents.
func (m *Meow) Start(ctx context.Context) error {
	dbPath := m.cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(m.cfg.DataDir, "session.db")
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return classifyStartError(fmt.Errorf("opening session store: %w", err))
	}

	device, err := m.getDevice(ctx, container)
	if err != nil {
		return classifyStartError(fmt.Errorf("loading device: %w", err))
	}

	store.SetOSInfo(m.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(m.handleEvent)

	m.mu.Lock()
	m.client = client
	m.stopped = false
	m.mu.Unlock()

	if client.Store.ID == nil {
		// First login: QR flow in the background, progress via events.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return classifyStartError(fmt.Errorf("connecting for QR: %w", err))
		}
		go m.pumpQR(ctx, qrChan)
		return nil
	}

	// Saved session: resuming is the authenticating phase.
	m.emit(AuthenticatingEvent{})
	if err := client.Connect(); err != nil {
		return classifyStartError(fmt.Errorf("connecting: %w", err))
	}
	return nil
}

func (m *Meow) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (m *Meow) pumpQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				m.emit(QREvent{Code: item.Code})
			case "success":
				m.emit(AuthenticatedEvent{})
				return
			case "timeout":
				m.emit(ErrorEvent{Err: fmt.Errorf("qr code timed out")})
				return
			default:
				if item.Error != nil {
					m.emit(ErrorEvent{Err: item.Error})
					return
				}
			}
		}
	}
}

// handleEvent maps whatsmeow events onto the narrow event set.
func (m *Meow) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		m.logger.Info("device paired", "jid", evt.ID.String(), "platform", evt.Platform)

	case *events.Connected:
		// whatsmeow has no separate "ready" signal; a full connect means the
		// session is authenticated and operational.
		m.emit(AuthenticatedEvent{})
		m.emit(ReadyEvent{})

	case *events.LoggedOut:
		m.emit(DisconnectedEvent{Reason: ReasonSessionTerminated})

	case *events.StreamReplaced:
		m.emit(DisconnectedEvent{Reason: ReasonSessionTerminated})

	case *events.Disconnected:
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if !stopped {
			m.emit(DisconnectedEvent{Reason: ReasonTransportClosed})
		}

	case *events.ConnectFailure:
		m.emit(ErrorEvent{Err: fmt.Errorf("connect failure: %s", evt.Reason.String())})

	case *events.TemporaryBan:
		m.emit(ErrorEvent{Err: fmt.Errorf("temporary ban: %s (expires %s)", evt.Code.String(), evt.Expire)})

	case *events.Message:
		m.emit(MessageEvent{Message: m.decodeMessage(evt)})
	}
}

func (m *Meow) decodeMessage(evt *events.Message) Message {
	msg := Message{
		ID:         string(evt.Info.ID),
		ChatID:     evt.Info.Chat.String(),
		ChatKind:   chatKindOf(evt.Info.Chat),
		SenderID:   evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	}

	switch {
	case evt.Message.GetConversation() != "":
		msg.Kind = MessageText
		msg.Body = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		msg.Kind = MessageText
		msg.Body = evt.Message.ExtendedTextMessage.GetText()
	case evt.Message.ImageMessage != nil:
		msg.Kind = MessageImage
		msg.Body = evt.Message.ImageMessage.GetCaption()
	case evt.Message.DocumentMessage != nil:
		msg.Kind = MessageDocument
		msg.Body = evt.Message.DocumentMessage.GetCaption()
	case evt.Message.AudioMessage != nil:
		msg.Kind = MessageAudio
	case evt.Message.VideoMessage != nil:
		msg.Kind = MessageVideo
		msg.Body = evt.Message.VideoMessage.GetCaption()
	case evt.Message.StickerMessage != nil:
		msg.Kind = MessageSticker
	default:
		msg.Kind = MessageText
	}
	return msg
}

func chatKindOf(jid types.JID) ChatKind {
	switch jid.Server {
	case types.GroupServer:
		return ChatGroup
	case types.BroadcastServer:
		return ChatBroadcast
	default:
		return ChatUser
	}
}

// Stop disconnects the client. Safe to call repeatedly.
func (m *Meow) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopped = true
	client := m.client
	m.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	return nil
}

// ConnectionState reports the client's own view of the connection. This is
// the lightweight read the readiness probe uses.
func (m *Meow) ConnectionState(_ context.Context) (ConnState, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ConnDisconnected, fmt.Errorf("client not started")
	}
	if !client.IsConnected() {
		return ConnDisconnected, nil
	}
	if !client.IsLoggedIn() {
		return ConnConnecting, nil
	}
	return ConnConnected, nil
}

// ListChats returns the joined groups and broadcast lists.
func (m *Meow) ListChats(ctx context.Context) ([]Chat, error) {
	client, err := m.ready()
	if err != nil {
		return nil, err
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	chats := make([]Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, decodeGroup(g))
	}
	return chats, nil
}

func decodeGroup(g *types.GroupInfo) Chat {
	chat := Chat{
		ID:          g.JID.String(),
		Name:        g.Name,
		Kind:        chatKindOf(g.JID),
		Description: g.Topic,
		CreatedAt:   g.GroupCreated,
	}
	for _, p := range g.Participants {
		chat.Participants = append(chat.Participants, Participant{
			ID:           p.JID.String(),
			Name:         p.JID.User,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return chat
}

// ContactByID resolves a contact from the session store, decoding the store
// record into the typed boundary form.
func (m *Meow) ContactByID(ctx context.Context, id string) (Contact, error) {
	client, err := m.ready()
	if err != nil {
		return Contact{}, err
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: bad jid %q: %v", ErrDecode, id, err)
	}
	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: contact lookup: %v", ErrDecode, err)
	}
	if !info.Found {
		return Contact{}, ErrNotFound
	}
	return Contact{
		ID:           jid.String(),
		Number:       jid.User,
		Name:         info.FullName,
		PushName:     info.PushName,
		IsRegistered: true,
		IsMyContact:  info.FullName != "" || info.FirstName != "",
	}, nil
}

// ListContacts returns every contact in the session store.
func (m *Meow) ListContacts(ctx context.Context) ([]Contact, error) {
	client, err := m.ready()
	if err != nil {
		return nil, err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	contacts := make([]Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, Contact{
			ID:           jid.String(),
			Number:       jid.User,
			Name:         info.FullName,
			PushName:     info.PushName,
			IsRegistered: true,
			IsMyContact:  info.FullName != "" || info.FirstName != "",
		})
	}
	return contacts, nil
}

// ResolveNumber checks the digits against the network and returns the
// canonical chat ID when registered.
func (m *Meow) ResolveNumber(ctx context.Context, digits string) (string, error) {
	client, err := m.ready()
	if err != nil {
		return "", err
	}
	resp, err := client.IsOnWhatsApp(ctx, []string{digits})
	if err != nil {
		return "", fmt.Errorf("number lookup: %w", err)
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("%w: empty lookup response", ErrDecode)
	}
	if !resp[0].IsIn {
		return "", ErrNotFound
	}
	return resp[0].JID.String(), nil
}

// SendMessage sends text or media to the target chat ID.
func (m *Meow) SendMessage(ctx context.Context, target string, content Outgoing) (Receipt, error) {
	client, err := m.ready()
	if err != nil {
		return Receipt{}, err
	}
	jid, err := types.ParseJID(target)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: bad target %q: %v", ErrDecode, target, err)
	}

	var waMsg *waE2E.Message
	if content.Kind == MessageText || content.Kind == "" {
		waMsg = &waE2E.Message{Conversation: proto.String(content.Text)}
	} else {
		waMsg, err = m.buildMediaMessage(ctx, client, content)
		if err != nil {
			return Receipt{}, err
		}
	}

	resp, err := client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return Receipt{}, fmt.Errorf("sending message: %w", err)
	}
	return Receipt{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (m *Meow) buildMediaMessage(ctx context.Context, client *whatsmeow.Client, content Outgoing) (*waE2E.Message, error) {
	var mediaType whatsmeow.MediaType
	switch content.Kind {
	case MessageImage, MessageSticker:
		mediaType = whatsmeow.MediaImage
	case MessageVideo:
		mediaType = whatsmeow.MediaVideo
	case MessageAudio:
		mediaType = whatsmeow.MediaAudio
	case MessageDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("unsupported media kind %q", content.Kind)
	}

	up, err := client.Upload(ctx, content.Media, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	length := uint64(len(content.Media))
	switch content.Kind {
	case MessageImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(content.Caption),
			Mimetype:      proto.String(content.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	case MessageSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(content.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	case MessageVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(content.Caption),
			Mimetype:      proto.String(content.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	case MessageAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(content.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	default: // MessageDocument
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(content.Caption),
			FileName:      proto.String(content.Filename),
			Mimetype:      proto.String(content.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	}
}

// CreateGroup creates a group with the given participants.
func (m *Meow) CreateGroup(ctx context.Context, name string, participants []string) (Chat, error) {
	client, err := m.ready()
	if err != nil {
		return Chat{}, err
	}
	jids := make([]types.JID, 0, len(participants))
	for _, p := range participants {
		jid, err := types.ParseJID(p)
		if err != nil {
			return Chat{}, fmt.Errorf("%w: bad participant %q: %v", ErrDecode, p, err)
		}
		jids = append(jids, jid)
	}
	info, err := client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return Chat{}, fmt.Errorf("creating group: %w", err)
	}
	return decodeGroup(info), nil
}

func (m *Meow) ready() (*whatsmeow.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, fmt.Errorf("client not started")
	}
	return m.client, nil
}

// classifyStartError distinguishes the profile-lock failure class from
// generic start failures so the launcher can run lock recovery again.
func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "database is locked") ||
		strings.Contains(s, "resource temporarily unavailable") ||
		strings.Contains(s, "singleton") {
		return fmt.Errorf("%w: %v", ErrProfileLocked, err)
	}
	return err
}

// interface guard
var _ Client = (*Meow)(nil)
