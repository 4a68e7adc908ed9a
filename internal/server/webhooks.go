package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/logutils"
	"taskflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	// cursors is only touched by the run goroutine.
	cursors map[int]int64
}

// StartWebhooks forwards new activity log entries to the configured
// webhooks until ctx is cancelled. It is a no-op when none are enabled.
func StartWebhooks(ctx context.Context, e engine.Engine) {
	d := newWebhookDispatcher(e, defaultWebhookInterval)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, interval time.Duration) *webhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, hook := range e.Config.Webhook {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hooks = append(hooks, hook)
	}
	if len(hooks) == 0 {
		return nil
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: interval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := logutils.Log.WithFields(logutils.Fields{"webhook": hook.URL})
	cursor, ok := d.cursors[idx]
	if !ok {
		latest, err := d.engine.Repo.LatestActivityID(ctx)
		if err != nil {
			log.WithFields(logutils.Fields{"error": err}).Warn("webhook cursor init failed")
			return
		}
		cursor = latest
		d.cursors[idx] = cursor
	}
	entries, err := d.engine.Repo.ListActivity(ctx, repo.ActivityFilters{AfterID: cursor, Limit: defaultWebhookBatch, Ascending: true})
	if err != nil {
		log.WithFields(logutils.Fields{"error": err}).Warn("webhook fetch failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if filter.match(eventType(entry)) {
			if err := d.postEvent(ctx, hook, entry); err != nil {
				// Retry from this entry on the next tick.
				log.WithFields(logutils.Fields{"delivery": entry.ID, "error": err}).Warn("webhook delivery failed")
				return
			}
		}
		d.cursors[idx] = entry.ID
	}
}

func eventType(entry domain.ActivityLog) string {
	return string(entry.EntityType) + "." + string(entry.Action)
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	PerformedBy string          `json:"performed_by"`
	PerformedAt time.Time       `json:"performed_at"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
}

// rawValue keeps JSON snapshots as objects and quotes plain values.
func rawValue(v string) json.RawMessage {
	if v == "" {
		return nil
	}
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	quoted, _ := json.Marshal(v)
	return quoted
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, entry domain.ActivityLog) error {
	data, err := json.Marshal(webhookEvent{
		ID:          entry.ID,
		Type:        eventType(entry),
		ProjectID:   entry.ProjectID,
		EntityType:  string(entry.EntityType),
		EntityID:    entry.EntityID,
		PerformedBy: entry.PerformedBy,
		PerformedAt: entry.PerformedAt,
		OldValue:    rawValue(entry.OldValue),
		NewValue:    rawValue(entry.NewValue),
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskflow-Event", eventType(entry))
	req.Header.Set("X-Taskflow-Delivery", strconv.FormatInt(entry.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Taskflow-Signature", signPayload(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
