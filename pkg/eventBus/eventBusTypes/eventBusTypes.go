package eventBusTypes

import (
	"context"
	"sync"
	"time"
)

const (
	Event_TransitionCommitted = "transition_committed"
)

type Event struct {
	Name string
	Data any
}

type ConsumerId string

type Consumer struct {
	Id      ConsumerId
	Context context.Context
	Channel chan *Event
}

type ConsumerList struct {
	mu        sync.Mutex
	consumers []*Consumer
}

func NewConsumerList() *ConsumerList {
	return &ConsumerList{
		consumers: make([]*Consumer, 0),
	}
}

func (cl *ConsumerList) Add(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers = append(cl.consumers, consumer)
}

func (cl *ConsumerList) Remove(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i, c := range cl.consumers {
		if c.Id == consumer.Id {
			cl.consumers = append(cl.consumers[:i], cl.consumers[i+1:]...)
			break
		}
	}
}

// GetAll returns a snapshot of the current consumers.
func (cl *ConsumerList) GetAll() []*Consumer {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]*Consumer, len(cl.consumers))
	copy(out, cl.consumers)
	return out
}

type IEventBus interface {
	Subscribe(consumer *Consumer)
	Unsubscribe(consumer *Consumer)
	Publish(event *Event)
}

// LedgerEvent is a single event emitted by a state model while applying a transition.
type LedgerEvent struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// TransitionCommittedData is published once a transition and all of its events are committed.
type TransitionCommittedData struct {
	Seq       uint64         `json:"seq"`
	Name      string         `json:"name"`
	Caller    string         `json:"caller"`
	Timestamp time.Time      `json:"timestamp"`
	StateRoot string         `json:"stateRoot"`
	Events    []*LedgerEvent `json:"events"`
}
