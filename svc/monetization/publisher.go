package monetization

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/promokit/pkg/kafka"
)

// KafkaPublisher writes domain events to one topic, keyed by profile id so
// a consumer sees each profile's events in order.
type KafkaPublisher struct {
	producer *kafka.Producer
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(p *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.Name, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     ev.ProfileID,
			Value:   data,
			Headers: map[string]string{"event_type": ev.Name},
		})
	}
	return p.producer.Send(ctx, msgs...)
}
