package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

var (
	// ErrWebhookRequestFailed wraps failures of subscription administration calls.
	ErrWebhookRequestFailed = errors.New("webhook subscription request failed")

	// ErrInvalidCallbackURL is returned when the callback is not an absolute https URL.
	ErrInvalidCallbackURL = errors.New("webhook callback URL must be an absolute https URL")
)

type (
	// Webhook is one push-notification subscription registered with the CRM.
	Webhook struct {
		ID     int64  `json:"id"`
		Event  string `json:"event"`
		URL    string `json:"url"`
		Status string `json:"status,omitempty"`
		System string `json:"system,omitempty"`
	}

	registerWebhookRequest struct {
		Event string `json:"event"`
		URL   string `json:"url"`
	}

	webhookList struct {
		Metadata pageMetadata `json:"_metadata"`
		Webhooks []*Webhook   `json:"webhooks"`
	}
)

// RegisterWebhook subscribes callbackURL to event notifications.
func (c *Client) RegisterWebhook(ctx context.Context, event ingestion.EventKind, callbackURL string) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallbackURL, callbackURL)
	}

	var webhook Webhook

	err = c.do(ctx, http.MethodPost, c.endpoint("webhooks", nil), registerWebhookRequest{
		Event: string(event),
		URL:   u.String(),
	}, &webhook)
	if err != nil {
		return nil, fmt.Errorf("%w: register %s: %w", ErrWebhookRequestFailed, event, err)
	}

	return &webhook, nil
}

// ListWebhooks returns every subscription registered by this system.
func (c *Client) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	var list webhookList
	if err := c.do(ctx, http.MethodGet, c.endpoint("webhooks", nil), nil, &list); err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrWebhookRequestFailed, err)
	}

	if list.Webhooks == nil {
		return []*Webhook{}, nil
	}

	return list.Webhooks, nil
}

// DeleteWebhook removes a subscription.
func (c *Client) DeleteWebhook(ctx context.Context, id int64) error {
	endpoint := c.endpoint("webhooks/"+strconv.FormatInt(id, 10), nil)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("%w: delete %d: %w", ErrWebhookRequestFailed, id, err)
	}

	return nil
}

// RegisterAll subscribes callbackURL to every recognized event kind that does not already
// have a subscription for it, and returns the subscriptions created.
func (c *Client) RegisterAll(ctx context.Context, callbackURL string) ([]*Webhook, error) {
	existing, err := c.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}

	registered := make(map[string]bool, len(existing))
	for _, w := range existing {
		registered[w.Event+" "+w.URL] = true
	}

	created := make([]*Webhook, 0)

	for _, kind := range ingestion.RecognizedKinds() {
		if registered[string(kind)+" "+callbackURL] {
			continue
		}

		webhook, err := c.RegisterWebhook(ctx, kind, callbackURL)
		if err != nil {
			return created, err
		}

		created = append(created, webhook)
	}

	return created, nil
}
