package transport

import (
	"context"
	"errors"
)

// ErrRecipientNotFound is returned by Adapter.ResolveUser when the platform
// does not know the given user ID (deleted account, never talked to the bot).
var ErrRecipientNotFound = errors.New("recipient not found")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Recipient is a resolved delivery target. Opaque outside the adapter that
// produced it.
type Recipient struct {
	ChatID   int64
	Username string
}

// Adapter abstracts the chat platform. The core never imports the platform
// SDK directly; everything flows through this boundary.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// ResolveUser maps a subscriber ID to a deliverable recipient.
	// Returns ErrRecipientNotFound (possibly wrapped) on a lookup miss.
	ResolveUser(ctx context.Context, userID int64) (Recipient, error)

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
