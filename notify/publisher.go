package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/config"
)

const (
	EventIngestionCompleted = "ingestion_completed"
	EventIngestionFailed    = "ingestion_failed"
	EventWriteDeadLettered  = "write_dead_lettered"
	EventConflictDetected   = "conflict_detected"
)

// Event is the contract published on terminal sync outcomes. How it reaches
// users (mail, chat, webhooks) is a downstream concern.
type Event struct {
	EventType string `json:"event_type"`
	TenantId  string `json:"tenant_id"`
	EntityId  string `json:"entity_id"`
	Summary   string `json:"summary"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PubSubPublisher pushes events onto a topic for downstream consumers.
type PubSubPublisher struct {
	topic  *pubsub.Topic
	logger *logrus.Logger
}

func NewPubSubPublisher(client *pubsub.Client, logger *logrus.Logger) *PubSubPublisher {
	topicID := strings.TrimSpace(os.Getenv("NOTIFY_TOPIC"))
	if topicID == "" {
		topicID = "pfamirror-events"
	}
	return &PubSubPublisher{topic: client.Topic(topicID), logger: logger}
}

func (p *PubSubPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("notify: marshal event")
		return
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": event.EventType,
			"tenant_id":  event.TenantId,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		config.LogError(p.logger, "notify", "Publish", event.EventType, event, err)
	}
}

// LogPublisher is the fallback when pubsub is not configured: events land in
// the structured log instead of a topic.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) {
	p.Logger.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"tenant_id":  event.TenantId,
		"entity_id":  event.EntityId,
	}).Info(event.Summary)
}
