package eventBus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
)

func Test_EventBus(t *testing.T) {
	debug := os.Getenv(config.Debug) == "true"
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: debug})

	t.Run("Should deliver events until the consumer unsubscribes", func(t *testing.T) {
		eb := NewEventBus(l)

		consumer := &eventBusTypes.Consumer{
			Id:      "testConsumer",
			Channel: make(chan *eventBusTypes.Event, 1000),
			Context: context.Background(),
		}

		receivedCount := atomic.Uint64{}
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			for {
				select {
				case event := <-consumer.Channel:
					t.Logf("Received event: %v", event)
					receivedCount.Add(1)

					if receivedCount.Load() == uint64(3) {
						eb.Unsubscribe(consumer)
						wg.Done()
						return
					}
				case <-consumer.Context.Done():
					return
				}
			}
		}()
		eb.Subscribe(consumer)

		for i := 0; i < 3; i++ {
			eb.Publish(&eventBusTypes.Event{
				Name: eventBusTypes.Event_TransitionCommitted,
				Data: &eventBusTypes.TransitionCommittedData{Seq: uint64(i + 1)},
			})
		}
		wg.Wait()

		eb.Publish(&eventBusTypes.Event{Name: "ignored"})
		assert.Equal(t, uint64(3), receivedCount.Load())
		assert.Len(t, eb.consumers.GetAll(), 0)
	})
	t.Run("Should drop events for full or cancelled consumers", func(t *testing.T) {
		eb := NewEventBus(l)

		full := NewConsumer(context.Background(), 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancelled := NewConsumer(ctx, 10)
		cancel()

		eb.Subscribe(full)
		eb.Subscribe(cancelled)
		assert.NotEqual(t, full.Id, cancelled.Id)

		eb.Publish(&eventBusTypes.Event{Name: "first"})
		eb.Publish(&eventBusTypes.Event{Name: "second"})

		assert.Len(t, full.Channel, 1)
		assert.Equal(t, "first", (<-full.Channel).Name)
		assert.Len(t, cancelled.Channel, 0)
	})
}
