// Package assistant is the host callback that asks the shop backend for a reply.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kiranaai/voiceturn/internal/reliability"
	"github.com/kiranaai/voiceturn/internal/voice"
)

var tracer = otel.Tracer("github.com/kiranaai/voiceturn/internal/assistant")

const defaultHistoryLimit = 12

// Message is one entry of the conversation history sent with every request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message string    `json:"message"`
	History []Message `json:"history"`
}

type chatResponse struct {
	Response string `json:"response"`
	SQLQuery string `json:"sql_query,omitempty"`
}

// Client posts utterances to /chat/ and keeps a bounded in-memory history for one
// conversation.
type Client struct {
	baseURL      string
	http         *http.Client
	fallback     string
	attempts     int
	historyLimit int
	logger       *slog.Logger

	mu      sync.Mutex
	history []Message
}

var _ voice.HostCallback = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithFallback makes GetReply answer with text instead of failing when the backend
// cannot be reached. An empty text disables the fallback.
func WithFallback(text string) Option {
	return func(c *Client) { c.fallback = strings.TrimSpace(text) }
}

func WithAttempts(n int) Option {
	return func(c *Client) { c.attempts = n }
}

func WithHistoryLimit(n int) Option {
	return func(c *Client) { c.historyLimit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		attempts:     2,
		historyLimit: defaultHistoryLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetReply(ctx context.Context, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "assistant reply")
	defer span.End()
	span.SetAttributes(attribute.Int("assistant.chars", len(text)))

	req := chatRequest{Message: text, History: c.History()}
	var reply string
	err := reliability.Retry(ctx, c.attempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		var err error
		reply, err = c.post(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.fallback != "" && ctx.Err() == nil {
			c.logger.Warn("assistant unavailable, using fallback reply", "error", err)
			return c.fallback, nil
		}
		return "", err
	}
	c.remember(text, reply)
	return reply, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &reliability.StatusError{Service: "assistant", Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("assistant: empty response")
	}
	return out.Response, nil
}

func (c *Client) remember(user, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Message{Role: "user", Content: user}, Message{Role: "assistant", Content: reply})
	if over := len(c.history) - c.historyLimit; c.historyLimit > 0 && over > 0 {
		c.history = append([]Message(nil), c.history[over:]...)
	}
}

// History returns a copy of the exchanges sent with the next request.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message{}, c.history...)
}

func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}
