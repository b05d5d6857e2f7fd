package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Messenger delivers text and files to one chat at a time, so that a retry
// only repeats the chat that failed.
type Messenger interface {
	Chats() []string
	SendText(ctx context.Context, chat, text string) error
	SendFile(ctx context.Context, chat, name string, data []byte, caption string) error
}

// TelegramError is a non-OK reply from the Bot API.
type TelegramError struct {
	Method      string
	ChatID      string
	StatusCode  int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram %s to %s: status %d: %s", e.Method, e.ChatID, e.StatusCode, e.Description)
}

// Retryable reports whether another attempt could succeed.
func (e *TelegramError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Telegram is a Messenger backed by the Telegram Bot API.
type Telegram struct {
	apiBase    string
	token      string
	chats      []string
	httpClient *http.Client
}

var _ Messenger = (*Telegram)(nil)

func NewTelegram(apiBase, token string, chats []string, httpClient *http.Client) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(chats) == 0 {
		return nil, errors.New("telegram recipients are required")
	}
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Telegram{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		chats:      chats,
		httpClient: httpClient,
	}, nil
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
}

// Chats returns the configured chat ids.
func (t *Telegram) Chats() []string { return t.chats }

// SendText posts text to chat.
func (t *Telegram) SendText(ctx context.Context, chat, text string) error {
	form := url.Values{"chat_id": {chat}, "text": {text}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req, "sendMessage", chat)
}

// SendFile uploads data to chat, as a photo for images and as a document
// otherwise.
func (t *Telegram) SendFile(ctx context.Context, chat, name string, data []byte, caption string) error {
	method, field := "sendDocument", "document"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		method, field = "sendPhoto", "photo"
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("chat_id", chat)
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(method), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req, method, chat)
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) do(req *http.Request, method, chat string) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s to %s: %w", method, chat, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var reply telegramReply
	_ = json.Unmarshal(raw, &reply)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && reply.OK {
		return nil
	}
	desc := reply.Description
	if desc == "" {
		desc = strings.TrimSpace(string(raw))
	}
	return &TelegramError{Method: method, ChatID: chat, StatusCode: resp.StatusCode, Description: desc}
}
