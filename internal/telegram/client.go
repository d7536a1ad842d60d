package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-strength-bot/internal/dispatch"
)

// ErrNoChat is returned by Send when no default chat is configured.
var ErrNoChat = errors.New("telegram: chat id not configured")

// Client is a minimal Telegram Bot API client.
type Client struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewClient builds a client. chatID is the default destination of Send.
func NewClient(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Client{
		botToken: botToken,
		chatID:   strings.TrimSpace(chatID),
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type keyboardButton struct {
	Text string `json:"text"`
}

type replyKeyboard struct {
	Keyboard       [][]keyboardButton `json:"keyboard"`
	ResizeKeyboard bool               `json:"resize_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode,omitempty"`
	ReplyMarkup any    `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

// SendMessage posts msg to chatID and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg dispatch.Message) (int64, error) {
	req := sendMessageRequest{
		ChatID:    chatID,
		Text:      msg.Text,
		ParseMode: msg.ParseMode,
	}
	switch {
	case len(msg.Buttons) > 0:
		req.ReplyMarkup = toInlineKeyboard(msg.Buttons)
	case len(msg.Keyboard) > 0:
		req.ReplyMarkup = toReplyKeyboard(msg.Keyboard)
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	c.logger.Debug().Str("chat_id", chatID).Int64("message_id", sent.MessageID).Msg("消息已发送 (Telegram)")
	return sent.MessageID, nil
}

// EditMessageText replaces the text of a sent message and drops its inline
// keyboard.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// SetWebhook registers url as the update endpoint. A non-empty secret is
// echoed by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	if err := c.call(ctx, "setWebhook", payload, nil); err != nil {
		return err
	}
	c.logger.Info().Str("url", url).Msg("webhook registered")
	return nil
}

// Send delivers msg to the default chat.
func (c *Client) Send(ctx context.Context, msg dispatch.Message) error {
	if c.chatID == "" {
		return ErrNoChat
	}
	_, err := c.SendMessage(ctx, c.chatID, msg)
	return err
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", redact(err, c.botToken))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}

	var decoded apiResponse
	if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telegram %s 响应码异常: %d", method, resp.StatusCode)
		}
		return fmt.Errorf("decode telegram response: %w", jsonErr)
	}
	if !decoded.OK {
		if decoded.Description != "" {
			return fmt.Errorf("telegram %s failed (%d): %s", method, resp.StatusCode, decoded.Description)
		}
		return fmt.Errorf("telegram %s 返回 ok=false", method)
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}

func toInlineKeyboard(rows [][]dispatch.Button) inlineKeyboard {
	out := inlineKeyboard{InlineKeyboard: make([][]inlineButton, len(rows))}
	for i, row := range rows {
		out.InlineKeyboard[i] = make([]inlineButton, len(row))
		for j, b := range row {
			out.InlineKeyboard[i][j] = inlineButton{Text: b.Text, CallbackData: b.Data}
		}
	}
	return out
}

func toReplyKeyboard(rows [][]string) replyKeyboard {
	out := replyKeyboard{Keyboard: make([][]keyboardButton, len(rows)), ResizeKeyboard: true}
	for i, row := range rows {
		out.Keyboard[i] = make([]keyboardButton, len(row))
		for j, text := range row {
			out.Keyboard[i][j] = keyboardButton{Text: text}
		}
	}
	return out
}

var _ dispatch.Sender = (*Client)(nil)
