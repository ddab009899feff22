package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"radonflow/internal/config"
)

const userAgent = "radonflow/0.1"

// Event identifies a notification kind.
type Event string

const (
	EventItemFailed       Event = "item_failed"
	EventStoreUnavailable Event = "store_unavailable"
	EventStoreRecovered   Event = "store_recovered"
	EventTest             Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return fmt.Errorf("unknown notification event %q", event)
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventItemFailed:
		target := payload.text("record")
		if band := payload.text("band"); band != "" {
			target += " band " + band
		}
		body := fmt.Sprintf("%s failed at %s after %d attempts", target, payload.text("stage"), payload.integer("attempts"))
		if reason := payload.text("error"); reason != "" {
			body += "\n" + reason
		}
		return message{
			title: "radonflow - Item Failed",
			body:  body,
			tags:  []string{"radonflow", "item", "failed"},
		}, true
	case EventStoreUnavailable:
		return message{
			title:    "radonflow - Catalog Unavailable",
			body:     "Dispatch paused: " + payload.text("error"),
			tags:     []string{"radonflow", "store", "alert"},
			priority: "high",
		}, true
	case EventStoreRecovered:
		body := "Catalog reachable again; dispatch resumed"
		if since, ok := payload["since"].(time.Time); ok && !since.IsZero() {
			body += fmt.Sprintf(" (outage began %s)", humanize.Time(since))
		}
		return message{
			title: "radonflow - Catalog Recovered",
			body:  body,
			tags:  []string{"radonflow", "store", "recovered"},
		}, true
	case EventTest:
		return message{
			title:    "radonflow - Test",
			body:     "Notification system test",
			tags:     []string{"radonflow", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) integer(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
