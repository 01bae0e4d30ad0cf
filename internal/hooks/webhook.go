// Package hooks delivers app lifecycle notifications to an external
// routing subsystem.
package hooks

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
	"time"
)

const (
	EventDeployed = "app.deployed"
	EventDeleted  = "app.deleted"

	contentType = "application/json"
)

// Payload is the body of every webhook request.
type Payload struct {
	Event string `json:"event"`
	Owner string `json:"owner"`
	App   string `json:"app"`
	Port  int    `json:"port,omitempty"`
}

// Webhook posts a Payload to a fixed URL on every notification.
type Webhook struct {
	requestURL *url.URL
	client     *http.Client
}

func NewWebhook(serverURL string, timeout time.Duration) (*Webhook, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with an http(s) scheme, e.g. `http://router:8080/hooks`")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) AppDeployed(ctx context.Context, owner, app string, port int) error {
	return w.post(ctx, Payload{Event: EventDeployed, Owner: owner, App: app, Port: port})
}

func (w *Webhook) AppDeleted(ctx context.Context, owner, app string) error {
	return w.post(ctx, Payload{Event: EventDeleted, Owner: owner, App: app})
}

func (w *Webhook) post(ctx context.Context, p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s webhook: %w", p.Event, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s webhook: unexpected status: %d, body: %s", p.Event, resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	slog.DebugContext(ctx, "webhook delivered", "event", p.Event, "owner", p.Owner, "app", p.App)
	return nil
}
