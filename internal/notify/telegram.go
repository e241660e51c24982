package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"app-monitor/internal/monitor"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	maxRetries    = 3
	initialDelay  = time.Second
)

// TelegramOptions configures the Telegram notifier.
type TelegramOptions struct {
	BotToken string
	ChatID   string
	APIURL   string
	Timeout  time.Duration
}

// Telegram sends HTML messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	apiURL  string
	client  *http.Client
	metrics *monitor.Metrics

	initialDelay time.Duration
}

// NewNotifier returns a Telegram notifier, or Noop when the bot token or
// chat id is missing. metrics may be nil.
func NewNotifier(opts TelegramOptions, metrics *monitor.Metrics) Notifier {
	if opts.BotToken == "" || opts.ChatID == "" {
		log.Warn().Msg("telegram not configured, notifications disabled")
		return Noop{}
	}
	return NewTelegram(opts, metrics)
}

func NewTelegram(opts TelegramOptions, metrics *monitor.Metrics) *Telegram {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Telegram{
		token:        opts.BotToken,
		chatID:       opts.ChatID,
		apiURL:       strings.TrimSuffix(opts.APIURL, "/"),
		client:       &http.Client{Timeout: opts.Timeout},
		metrics:      metrics,
		initialDelay: initialDelay,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      *struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
}

// Notify formats n and sends it.
func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	text, err := Format(n)
	if err != nil {
		return err
	}
	_, err = t.SendMessage(ctx, text)
	if t.metrics != nil {
		t.metrics.RecordNotification(n.Type, err)
	}
	if err != nil {
		log.Error().Err(err).Str("type", n.Type).Str("project_id", n.ProjectID).Msg("notification failed")
		return err
	}
	log.Info().Str("type", n.Type).Str("project_id", n.ProjectID).Msg("notification sent")
	return nil
}

// SendMessage posts text with HTML parse mode, retrying failures with
// exponential backoff. It returns the Telegram message id.
func (t *Telegram) SendMessage(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var (
		messageID int
		attempt   int
	)
	op := func() error {
		attempt++
		id, err := t.send(ctx, body)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("telegram send failed")
			return err
		}
		messageID = id
		return nil
	}

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
	if err != nil {
		return 0, fmt.Errorf("sending telegram message after %d attempts: %w", attempt, err)
	}
	return messageID, nil
}

func (t *Telegram) send(ctx context.Context, body []byte) (int, error) {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The token is part of the URL; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return 0, fmt.Errorf("telegram request: %w", urlErr.Err)
		}
		return 0, errors.New("telegram request failed")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if parsed.Description != "" {
			return 0, fmt.Errorf("telegram API error: %s", parsed.Description)
		}
		return 0, fmt.Errorf("telegram API error: %s", resp.Status)
	}
	if !parsed.OK || parsed.Result == nil {
		return 0, errors.New("telegram API returned unexpected response format")
	}
	return parsed.Result.MessageID, nil
}
