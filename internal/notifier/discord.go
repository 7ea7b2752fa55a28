package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
)

// maxContentLength is the Discord limit for a message body.
const maxContentLength = 2000

var ErrWebhookNotSet = errors.New("webhook URL is not set")

// Notifier is an external surface holding one editable message per job.
type Notifier interface {
	// Post creates a message and returns its handle.
	Post(ctx context.Context, content string) (string, error)
	// Edit replaces the content of a previously posted message.
	Edit(ctx context.Context, handle, content string) error
}

type DiscordNotifier struct {
	WebhookURL string

	http *resty.Client
	tel  *telemetry.Telemetry
}

var _ Notifier = (*DiscordNotifier)(nil)

func NewDiscordNotifier(webhookURL string, tel *telemetry.Telemetry) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: strings.TrimRight(webhookURL, "/"),
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetTransport(tel.Transport(http.DefaultTransport)),
		tel: tel,
	}
}

type message struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

func (d *DiscordNotifier) Post(ctx context.Context, content string) (string, error) {
	if d.WebhookURL == "" {
		return "", ErrWebhookNotSet
	}

	var created message

	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("wait", "true").
		SetBody(message{Content: truncate(content)}).
		SetResult(&created).
		Post(d.WebhookURL)
	if err != nil {
		d.tel.RecordNotification("post", "error")

		return "", fmt.Errorf("failed to send request: %w", err)
	}

	if resp.IsError() {
		d.tel.RecordNotification("post", "error")

		return "", fmt.Errorf("webhook failed with status %d", resp.StatusCode())
	}

	if created.ID == "" {
		d.tel.RecordNotification("post", "error")

		return "", errors.New("webhook response carries no message id")
	}

	d.tel.RecordNotification("post", "success")

	return created.ID, nil
}

func (d *DiscordNotifier) Edit(ctx context.Context, handle, content string) error {
	if d.WebhookURL == "" {
		return ErrWebhookNotSet
	}

	if handle == "" {
		return errors.New("message handle is empty")
	}

	target, err := d.messageURL(handle)
	if err != nil {
		d.tel.RecordNotification("edit", "error")

		return err
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(message{Content: truncate(content)}).
		Patch(target)
	if err != nil {
		d.tel.RecordNotification("edit", "error")

		return fmt.Errorf("failed to send request: %w", err)
	}

	if resp.IsError() {
		d.tel.RecordNotification("edit", "error")

		return fmt.Errorf("webhook failed with status %d", resp.StatusCode())
	}

	d.tel.RecordNotification("edit", "success")

	return nil
}

// messageURL points at a posted message, keeping query parameters such as thread_id.
func (d *DiscordNotifier) messageURL(handle string) (string, error) {
	u, err := url.Parse(d.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook URL: %w", err)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/messages/" + url.PathEscape(handle)
	u.RawPath = ""

	return u.String(), nil
}

func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentLength {
		return content
	}

	return string(runes[:maxContentLength-1]) + "…"
}
