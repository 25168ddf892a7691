package transport

import "context"

// Surface names a publication destination. The adapter maps it to a chat.
type Surface string

const (
	SurfacePrimary Surface = "primary"
	SurfaceMirror  Surface = "mirror"
)

// PostRef is the opaque handle of a live post, enough to delete it later.
type PostRef struct {
	Surface   Surface `json:"surface"`
	ChatID    int64   `json:"chat_id"`
	MessageID int     `json:"message_id"`
}

// Button is an inline keyboard button; exactly one of URL or Data is set.
type Button struct {
	Text string
	URL  string
	Data string
}

// Post is a rendered publication.
type Post struct {
	Text           string
	PhotoURL       string // sent as a photo with Text as caption when set
	Buttons        [][]Button
	ParseMode      string
	DisablePreview bool
}

// Publisher is what the publication core needs from a transport.
type Publisher interface {
	SendPost(ctx context.Context, surface Surface, p Post) (PostRef, error)
	DeletePost(ctx context.Context, ref PostRef) error
	// Notify sends a direct message to a user (requester or operator).
	Notify(ctx context.Context, userID int64, text string) error
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	Private      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        [][]Button
}

// Adapter is the chat-side surface used by the operator/user glue.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
