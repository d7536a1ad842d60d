package telegram

import (
	"strconv"
	"strings"
)

// Update is the subset of a Bot API update the bot reacts to.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// ChatID returns the chat the update came from, when it carries one.
func (u Update) ChatID() (string, bool) {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ChatID(), true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat.ChatID(), true
	}
	return "", false
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// User is the sender of a message or button press.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// ChatID renders the chat id the way the API accepts it.
func (c Chat) ChatID() string {
	return strconv.FormatInt(c.ID, 10)
}

// Command splits a "/name@bot arg..." message into the lower-case command
// name and its arguments. ok is false for plain text.
func (m *Message) Command() (name string, args []string, ok bool) {
	if m == nil {
		return "", nil, false
	}
	fields := strings.Fields(m.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), fields[1:], true
}
