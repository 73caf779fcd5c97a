// Package telegram carries the chat surface: transition notifications
// going out, bot commands coming in over the Bot API long poll.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chaollapark/homelab/internal/buildinfo"
	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/httpkit"
)

const apiBase = "https://api.telegram.org"

// pollTimeout is the getUpdates long-poll window in seconds. The HTTP
// client timeout must stay comfortably above it.
const pollTimeout = 25

// Client is a minimal Telegram Bot API client: send a message, send a
// photo, long-poll for updates. One bot, one chat.
type Client struct {
	base   string
	chatID string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Bot API client from config.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   apiBase + "/bot" + cfg.Token,
		chatID: cfg.ChatID,
		http: httpkit.NewClient(
			httpkit.WithTimeout((pollTimeout+10)*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// ChatID returns the configured chat identifier.
func (c *Client) ChatID() string {
	return c.chatID
}

// apiResponse is the Bot API's uniform response wrapper.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound chat message.
type Message struct {
	Text string `json:"text"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		Username string `json:"username"`
	} `json:"from"`
}

// ChatIDString returns the chat ID in the form the config uses.
func (m *Message) ChatIDString() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// SendMessage sends an HTML-formatted message to the configured chat.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":    {c.chatID},
		"text":       {text},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sendMessage",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = c.do(req, "sendMessage")
	return err
}

// SendPhoto sends a PNG with a caption to the configured chat.
func (c *Client) SendPhoto(ctx context.Context, caption string, png []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", c.chatID); err != nil {
		return fmt.Errorf("build sendPhoto form: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build sendPhoto form: %w", err)
		}
		if err := mw.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("build sendPhoto form: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("photo", "photo.png")
	if err != nil {
		return fmt.Errorf("build sendPhoto form: %w", err)
	}
	if _, err := fw.Write(png); err != nil {
		return fmt.Errorf("build sendPhoto form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build sendPhoto form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sendPhoto", &body)
	if err != nil {
		return fmt.Errorf("build sendPhoto request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err = c.do(req, "sendPhoto")
	return err
}

// Updates long-polls for updates after the given offset. Returns an
// empty slice when the poll window elapses without traffic.
func (c *Client) Updates(ctx context.Context, offset int64) ([]Update, error) {
	query := url.Values{
		"offset":  {strconv.FormatInt(offset, 10)},
		"timeout": {strconv.Itoa(pollTimeout)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/getUpdates?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build getUpdates request: %w", err)
	}

	result, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("unmarshal updates: %w", err)
	}
	return updates, nil
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram %s: status %d: %s",
			method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !api.OK {
		return nil, fmt.Errorf("telegram %s: %s", method, api.Description)
	}
	return api.Result, nil
}
