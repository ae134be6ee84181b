// Package notify pushes committed events to configured webhook endpoints.
// Each hook walks the event log behind its own in-memory cursor; a failed
// delivery halts that hook until the next tick so per-hook order holds.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundry/internal/config"
	"foundry/internal/domain"
	"foundry/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	batchSize       = 100
)

// Notifier delivers events to webhooks. Cursors start at the log tail, so a
// restart resumes with new events instead of replaying history.
type Notifier struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Interval time.Duration
	Log      zerolog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func New(r repo.Repo, hooks []config.Webhook, log zerolog.Logger) *Notifier {
	return &Notifier{
		Repo:     r,
		Hooks:    hooks,
		Interval: defaultInterval,
		Log:      log,
		client:   &http.Client{Timeout: defaultTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run polls the event log until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.Interval)
	defer ticker.Stop()
	for {
		n.deliverAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (n *Notifier) deliverAll(ctx context.Context) {
	for i, hook := range n.Hooks {
		if !hook.Active() {
			continue
		}
		n.deliver(ctx, i, hook)
	}
}

func (n *Notifier) deliver(ctx context.Context, idx int, hook config.Webhook) {
	cursor, err := n.cursorFor(ctx, idx)
	if err != nil {
		n.Log.Error().Err(err).Msg("webhook cursor init failed")
		return
	}
	events, err := n.Repo.EventsAfter(ctx, cursor, batchSize)
	if err != nil {
		n.Log.Error().Err(err).Msg("webhook event fetch failed")
		return
	}
	filter := newFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.post(ctx, hook, evt); err != nil {
			n.Log.Warn().Err(err).Str("url", hook.URL).Int64("event", evt.ID).Msg("webhook delivery failed")
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *Notifier) cursorFor(ctx context.Context, idx int) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := n.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	n.cursors[idx] = cur
	return cur, nil
}

func (n *Notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

// delivery is the webhook request body: the event row with its payload
// inlined as JSON rather than a quoted string.
type delivery struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func deliveryBody(evt domain.Event) ([]byte, error) {
	d := delivery{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		FromStatus: evt.FromStatus,
		ToStatus:   evt.ToStatus,
		JobID:      evt.JobID,
		Actor:      evt.Actor,
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			d.Payload = json.RawMessage(evt.Payload)
		} else {
			quoted, err := json.Marshal(evt.Payload)
			if err != nil {
				return nil, err
			}
			d.Payload = quoted
		}
	}
	return json.Marshal(d)
}

func (n *Notifier) post(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := deliveryBody(evt)
	if err != nil {
		return err
	}
	client := n.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Foundry-Event", evt.Type)
	req.Header.Set("X-Foundry-Delivery", fmt.Sprintf("%d", evt.ID))
	if hook.Secret != "" {
		req.Header.Set("X-Foundry-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type filter struct {
	all bool
	set map[string]struct{}
}

func newFilter(events []string) filter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return filter{all: true}
	}
	return filter{set: set}
}

func (f filter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
