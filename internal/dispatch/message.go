package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ParseModeMarkdown selects Telegram's legacy Markdown rendering.
const ParseModeMarkdown = "Markdown"

// Button is one inline keyboard button. Data is echoed back in the callback.
type Button struct {
	Text string
	Data string
}

// Message is one outbound chat message.
type Message struct {
	Text      string
	ParseMode string
	// Buttons are inline keyboard rows.
	Buttons [][]Button
	// Keyboard replaces the chat's reply keyboard when set.
	Keyboard [][]string
}

// Sender delivers messages to a chat.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// WriterSender prints messages to w, one block per message. The CLI uses it
// to show reports without a chat.
type WriterSender struct {
	mu sync.Mutex
	W  io.Writer
}

// Send writes msg.Text followed by a blank line.
func (s *WriterSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.W, "%s\n\n", strings.TrimRight(msg.Text, "\n"))
	return err
}

var _ Sender = (*WriterSender)(nil)
