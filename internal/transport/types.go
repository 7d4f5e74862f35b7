// Package transport defines the chat-facing side of remindbot: outgoing
// reminder messages with action buttons and incoming updates.
package transport

import (
	"context"
	"errors"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Incoming
	Callback *Callback
}

// Incoming is a text message received from the chat.
type Incoming struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// Callback is a pressed inline button.
type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type Target struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is an inline action rendered under a message.
type Button struct {
	Label string
	Data  string
}

type Message struct {
	Target    Target
	Text      string
	ParseMode string // "" or "HTML"
	Buttons   []Button
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg Message) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	EditText(ctx context.Context, ref MessageRef, text string, parseMode string) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	// Ping reports whether the configured chat is reachable.
	Ping(ctx context.Context) error
}

// MaxCallbackData is the Telegram limit for inline button payloads.
const MaxCallbackData = 64

const actionPrefix = "act"

var ErrCallbackTooLong = errors.New("callback data exceeds 64 bytes")

// ActionData encodes an action on a reminder identifier as button data:
// act|<action>|<identifier>.
func ActionData(action, identifier string) (string, error) {
	s := actionPrefix + "|" + action + "|" + identifier
	if len(s) > MaxCallbackData {
		return "", ErrCallbackTooLong
	}
	return s, nil
}

// ParseActionData reverses ActionData.
func ParseActionData(data string) (action, identifier string, ok bool) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != actionPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
