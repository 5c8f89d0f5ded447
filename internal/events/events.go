// Package events publishes per-track status messages for a release run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

// Event describes the outcome of one track.
type Event struct {
	RunID      string `json:"run_id"`
	Project    string `json:"project"`
	Version    string `json:"version"`
	Track      string `json:"track"`
	Status     string `json:"status"`
	Step       string `json:"step,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Notifier sends events to a pubsub topic. A Notifier without a topic drops
// every event.
type Notifier struct {
	topic *pubsub.Topic
}

// Open opens the topic at url, e.g. mem://relkit-runs. An empty url returns a
// disabled Notifier.
func Open(ctx context.Context, url string) (*Notifier, error) {
	if url == "" {
		return &Notifier{}, nil
	}
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open topic %q: %w", url, err)
	}
	return &Notifier{topic: topic}, nil
}

// New wraps an already opened topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// Enabled reports whether events are sent anywhere.
func (n *Notifier) Enabled() bool {
	return n != nil && n.topic != nil
}

// Publish sends ev as a JSON body. The run id and track are also set as
// message metadata so subscribers can filter without decoding.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	if !n.Enabled() {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"run_id": ev.RunID,
			"track":  ev.Track,
			"status": ev.Status,
		},
	}
	if err := n.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Track, err)
	}
	slog.DebugContext(ctx, "event published", "track", ev.Track, "status", ev.Status)
	return nil
}

// Close flushes and closes the topic.
func (n *Notifier) Close(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}
	return n.topic.Shutdown(ctx)
}
