package eventBus

import (
	"context"

	"github.com/google/uuid"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
	"go.uber.org/zap"
)

// EventBus fans committed ledger events out to subscribers. Delivery never blocks the
// ledger: a consumer whose channel is full misses the event.
type EventBus struct {
	consumers *eventBusTypes.ConsumerList
	logger    *zap.Logger
}

var _ eventBusTypes.IEventBus = (*EventBus)(nil)

func NewEventBus(l *zap.Logger) *EventBus {
	return &EventBus{
		consumers: eventBusTypes.NewConsumerList(),
		logger:    l,
	}
}

// NewConsumer creates a consumer with a random id and a channel of the given size.
func NewConsumer(ctx context.Context, bufferSize int) *eventBusTypes.Consumer {
	return &eventBusTypes.Consumer{
		Id:      eventBusTypes.ConsumerId(uuid.New().String()),
		Context: ctx,
		Channel: make(chan *eventBusTypes.Event, bufferSize),
	}
}

func (eb *EventBus) Subscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Add(consumer)
	eb.logger.Debug("Subscribed consumer", zap.String("consumerId", string(consumer.Id)))
}

func (eb *EventBus) Unsubscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Remove(consumer)
	eb.logger.Info("Unsubscribed consumer", zap.String("consumerId", string(consumer.Id)))
}

func (eb *EventBus) Publish(event *eventBusTypes.Event) {
	eb.logger.Debug("Publishing event", zap.String("eventName", event.Name))
	for _, consumer := range eb.consumers.GetAll() {
		if consumer.Channel == nil {
			eb.logger.Debug("Consumer channel is nil", zap.String("consumerId", string(consumer.Id)))
			continue
		}
		if consumer.Context != nil && consumer.Context.Err() != nil {
			continue
		}
		select {
		case consumer.Channel <- event:
			eb.logger.Debug("Published event to consumer",
				zap.String("consumerId", string(consumer.Id)),
				zap.String("eventName", event.Name),
			)
		default:
			eb.logger.Warn("No receiver available, or channel is full",
				zap.String("consumerId", string(consumer.Id)),
				zap.String("eventName", event.Name),
			)
		}
	}
}
