// Package webhook forwards received messages to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eventbot/pkg/config"
	"eventbot/pkg/message"
)

const (
	defaultTimeout = 10 * time.Second

	// HeaderEvent carries the inbound event name of the forwarded message.
	HeaderEvent = "X-Eventbot-Event"
	// HeaderSignature carries "sha256=<hex hmac>" of the body when a secret is set.
	HeaderSignature = "X-Signature-256"
)

// Forwarder POSTs each message as JSON. Its methods have the dispatch handler shapes.
type Forwarder struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
}

// New validates cfg. The URL must be http or https.
func New(cfg config.WebhookConfig, log *slog.Logger) (*Forwarder, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook.url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("webhook.url %q must be http or https", url)
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	if log == nil {
		log = slog.Default()
	}

	return &Forwarder{
		url:    url,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		log:    log.With("component", "webhook.forwarder"),
	}, nil
}

func (f *Forwarder) Friend(ctx context.Context, msg *message.FriendMessage) error {
	return f.post(ctx, message.CategoryFriend, msg)
}

func (f *Forwarder) Group(ctx context.Context, msg *message.GroupMessage) error {
	return f.post(ctx, message.CategoryGroup, msg)
}

func (f *Forwarder) Event(ctx context.Context, msg *message.EventMessage) error {
	return f.post(ctx, message.CategoryEvent, msg)
}

func (f *Forwarder) post(ctx context.Context, category message.Category, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", category, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, category.EventName())
	if f.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, f.secret))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s to webhook: %w", category, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d for %s", resp.StatusCode, category)
	}

	f.log.Debug("Message forwarded", "category", category.String(), "status", resp.StatusCode)
	return nil
}

// Sign returns the HMAC-SHA256 signature of body in "sha256=<hex>" form.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
