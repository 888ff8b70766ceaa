package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"boundary/internal/common/mq"
	"boundary/internal/result"
	"boundary/internal/verifier/model"
	appErr "boundary/pkg/errors"
)

// BreachEventPublisher publishes breach verdicts for async processing.
type BreachEventPublisher interface {
	PublishBreach(ctx context.Context, runID string, verdict result.Verdict) error
}

// MQBreachEventPublisher publishes breach events to a message queue.
type MQBreachEventPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQBreachEventPublisher creates a new MQ breach event publisher.
func NewMQBreachEventPublisher(queue mq.MessageQueue, topic string) *MQBreachEventPublisher {
	return &MQBreachEventPublisher{queue: queue, topic: topic}
}

// PublishBreach publishes one breach verdict.
func (p *MQBreachEventPublisher) PublishBreach(ctx context.Context, runID string, verdict result.Verdict) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("breach publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("breach topic is required")
	}
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if verdict.Probe == "" {
		return appErr.ValidationError("probe", "required")
	}
	event := model.BreachEvent{
		RunID:     runID,
		Probe:     verdict.Probe,
		Category:  verdict.Category,
		Evidence:  verdict.Evidence,
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal breach event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = runID + ":" + verdict.Probe
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "publish breach event failed")
	}
	return nil
}
