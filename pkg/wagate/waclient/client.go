// Package waclient defines the narrow interface through which the gateway
// talks to the underlying WhatsApp client, plus the typed events that client
// implementations deliver. The session layer only ever sees this interface,
// so it can be driven by a fake in tests.
package waclient

import (
	"context"
	"errors"
	"time"
)

// ConnState is the coarse connection state reported by the client itself.
// It is intentionally smaller than the session state machine: it is what the
// readiness probe reads, not what the gateway exposes.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// ChatKind distinguishes direct chats, groups and broadcast (diffusion) lists.
// Broadcast lists get their own kind so diffusion operations never have to
// guess from the chat name.
type ChatKind string

const (
	ChatUser      ChatKind = "user"
	ChatGroup     ChatKind = "group"
	ChatBroadcast ChatKind = "broadcast"
)

// MessageKind classifies an inbound or outbound message body.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageDocument MessageKind = "document"
	MessageAudio    MessageKind = "audio"
	MessageVideo    MessageKind = "video"
	MessageSticker  MessageKind = "sticker"
)

// DisconnectReason classifies why the client lost its session. The session
// layer reacts differently to each class.
type DisconnectReason string

const (
	// ReasonSessionTerminated means the account was unlinked remotely; the
	// saved session is gone and a fresh login (QR) is required.
	ReasonSessionTerminated DisconnectReason = "session_terminated"
	// ReasonTransportClosed means the underlying transport dropped; the
	// session is still valid and a reconnect should succeed.
	ReasonTransportClosed DisconnectReason = "transport_closed"
	// ReasonNavigation means the automated browser context navigated away;
	// treated like a transport drop.
	ReasonNavigation DisconnectReason = "navigation"
	ReasonUnknown    DisconnectReason = "unknown"
)

// Contact is the typed result of resolving an identity at the client
// boundary. Untyped collaborator payloads are decoded into this exactly once;
// a failed decode surfaces as ErrDecode, never as raw data.
type Contact struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	Name         string `json:"name,omitempty"`
	PushName     string `json:"pushName,omitempty"`
	Description  string `json:"description,omitempty"`
	IsRegistered bool   `json:"isRegistered"`
	IsMyContact  bool   `json:"isMyContact"`
}

// DisplayName returns the best human-readable name for the contact.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PushName != "" {
		return c.PushName
	}
	return c.Number
}

// Participant is a chat member as reported by the client.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsAdmin      bool   `json:"isAdmin"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

// Chat is a conversation the account participates in.
type Chat struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Kind         ChatKind      `json:"kind"`
	Description  string        `json:"description,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Message is an inbound message envelope.
type Message struct {
	ID         string
	ChatID     string
	ChatKind   ChatKind
	SenderID   string
	SenderName string
	FromMe     bool
	Kind       MessageKind
	Body       string
	Timestamp  time.Time
}

// Outgoing is the content of a message to be sent.
type Outgoing struct {
	Kind     MessageKind
	Text     string
	Media    []byte
	MimeType string
	Filename string
	Caption  string
}

// Receipt identifies a successfully sent message.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Event is a lifecycle or message event emitted by a client. Implementations
// deliver events one at a time; handlers must not block delivery.
type Event interface{ isEvent() }

// QREvent carries a fresh login QR payload.
type QREvent struct{ Code string }

// AuthenticatingEvent signals that a saved session is being resumed.
type AuthenticatingEvent struct{}

// AuthenticatedEvent signals successful authentication.
type AuthenticatedEvent struct{}

// ReadyEvent signals that the client considers itself operational.
type ReadyEvent struct{}

// AuthFailureEvent signals failed authentication.
type AuthFailureEvent struct{ Reason string }

// DisconnectedEvent signals a lost connection with its classified reason.
type DisconnectedEvent struct{ Reason DisconnectReason }

// MessageEvent carries an inbound message.
type MessageEvent struct{ Message Message }

// ErrorEvent carries an unrecoverable transport error.
type ErrorEvent struct{ Err error }

// LoadingEvent reports client startup progress.
type LoadingEvent struct {
	Percent int
	Label   string
}

func (QREvent) isEvent()             {}
func (AuthenticatingEvent) isEvent() {}
func (AuthenticatedEvent) isEvent()  {}
func (ReadyEvent) isEvent()          {}
func (AuthFailureEvent) isEvent()    {}
func (DisconnectedEvent) isEvent()   {}
func (MessageEvent) isEvent()        {}
func (ErrorEvent) isEvent()          {}
func (LoadingEvent) isEvent()        {}

// Handler receives client events. It must be registered before Start.
type Handler func(Event)

// Client is the narrow collaborator interface. One Client instance represents
// one launch attempt; a relaunch constructs a fresh instance via a Factory.
type Client interface {
	// SetHandler registers the event handler. Must be called before Start.
	SetHandler(Handler)

	// Start begins connecting. It returns once the connection attempt is
	// underway; progress is reported through events.
	Start(ctx context.Context) error

	// Stop tears the client down. Safe to call in any state.
	Stop(ctx context.Context) error

	// ConnectionState is a lightweight read used as the readiness probe.
	ConnectionState(ctx context.Context) (ConnState, error)

	ListChats(ctx context.Context) ([]Chat, error)
	ContactByID(ctx context.Context, id string) (Contact, error)
	ListContacts(ctx context.Context) ([]Contact, error)

	// ResolveNumber checks whether the given digits belong to a registered
	// account and returns its canonical chat ID.
	ResolveNumber(ctx context.Context, digits string) (string, error)

	SendMessage(ctx context.Context, target string, content Outgoing) (Receipt, error)
	CreateGroup(ctx context.Context, name string, participants []string) (Chat, error)
}

// Factory constructs a fresh client for a launch attempt.
type Factory func(ctx context.Context) (Client, error)

// Boundary error classes.
var (
	// ErrNotFound means the target does not exist on the network.
	ErrNotFound = errors.New("waclient: not found")
	// ErrDecode means the collaborator returned data this adapter could not
	// decode into its typed form (library/API incompatibility).
	ErrDecode = errors.New("waclient: undecodable collaborator response")
	// ErrProfileLocked means the client could not start because the profile
	// directory is locked by another (possibly dead) instance.
	ErrProfileLocked = errors.New("waclient: profile directory locked")
)
