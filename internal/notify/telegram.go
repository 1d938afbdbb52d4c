package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stevedore/internal/release"
)

const (
	DefaultTelegramURL = "https://api.telegram.org"

	sendInitialInterval = 500 * time.Millisecond
	sendMaxInterval     = 5 * time.Second
	sendMaxElapsed      = 30 * time.Second
	maxRetryAfter       = 30 * time.Second
)

var _ release.Notifier = (*Telegram)(nil)

// Telegram posts release announcements through the Bot API.
type Telegram struct {
	token      string
	chatID     string
	baseURL    string
	client     *http.Client
	newBackoff func() backoff.BackOff
	log        *slog.Logger

	// maxRetryAfter caps the wait a rate-limit response can ask for.
	maxRetryAfter time.Duration
}

type TelegramOption func(*Telegram)

// WithMaxRetryAfter caps how long a 429 response may delay the next attempt.
func WithMaxRetryAfter(d time.Duration) TelegramOption {
	return func(t *Telegram) { t.maxRetryAfter = d }
}

// WithBaseURL points the client at another Bot API server.
func WithBaseURL(u string) TelegramOption {
	return func(t *Telegram) { t.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) { t.client = c }
}

// WithBackoff sets the retry policy for transient failures.
func WithBackoff(newBackoff func() backoff.BackOff) TelegramOption {
	return func(t *Telegram) { t.newBackoff = newBackoff }
}

func NewTelegram(token, chatID string, opts ...TelegramOption) (*Telegram, error) {
	token, chatID = strings.TrimSpace(token), strings.TrimSpace(chatID)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if chatID == "" {
		return nil, errors.New("telegram chat id is required")
	}
	t := &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: DefaultTelegramURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(sendInitialInterval),
				backoff.WithMaxInterval(sendMaxInterval),
				backoff.WithMaxElapsedTime(sendMaxElapsed),
			)
		},
		log:           slog.With("component", "notify", "channel", "telegram"),
		maxRetryAfter: maxRetryAfter,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Telegram) Notify(ctx context.Context, r release.Release) error {
	return t.Send(ctx, Message(r))
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers text, retrying network errors, rate limits and server
// errors. Other client errors are permanent.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	endpoint := t.baseURL + "/bot" + t.token + "/sendMessage"

	policy := &retryAfterBackOff{BackOff: t.newBackoff()}
	attempt := 0
	send := func() error {
		attempt++
		err := t.post(ctx, endpoint, body)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				policy.floor = min(apiErr.RetryAfter, t.maxRetryAfter)
			}
			t.log.Debug("Telegram send failed.", "attempt", attempt, "err", err)
		}
		return err
	}
	if err := backoff.Retry(send, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	t.log.Debug("Telegram message sent.", "attempts", attempt)
	return nil
}

func (t *Telegram) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.New("build telegram request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// url.Error carries the request URL, which contains the bot token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode == http.StatusOK && parsed.OK {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode, Description: parsed.Description}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
		return apiErr
	case resp.StatusCode >= 500:
		return apiErr
	default:
		return backoff.Permanent(apiErr)
	}
}

// retryAfterBackOff waits at least floor before the next attempt, so a
// rate-limited send honours the server's retry_after.
type retryAfterBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	next = max(next, b.floor)
	b.floor = 0
	return next
}

// APIError is a non-OK Bot API response.
type APIError struct {
	Status      int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return "telegram api: status " + strconv.Itoa(e.Status)
	}
	return fmt.Sprintf("telegram api: status %d: %s", e.Status, e.Description)
}
