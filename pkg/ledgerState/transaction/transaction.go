package transaction

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/pkg/eventBus/eventBusTypes"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
)

// Transaction is the in-flight state of a single ledger transition.
type Transaction struct {
	seq    uint64
	now    time.Time
	caller common.Address
	events []*eventBusTypes.LedgerEvent
}

var _ types.ITransaction = (*Transaction)(nil)

func NewTransaction(seq uint64, now time.Time, caller common.Address) *Transaction {
	return &Transaction{
		seq:    seq,
		now:    now.UTC(),
		caller: caller,
		events: make([]*eventBusTypes.LedgerEvent, 0),
	}
}

func (t *Transaction) Sequence() uint64 {
	return t.seq
}

func (t *Transaction) Now() time.Time {
	return t.now
}

func (t *Transaction) Caller() common.Address {
	return t.caller
}

func (t *Transaction) Emit(name string, data any) {
	t.events = append(t.events, &eventBusTypes.LedgerEvent{Name: name, Data: data})
}

// Events returns the events emitted so far, in emission order.
func (t *Transaction) Events() []*eventBusTypes.LedgerEvent {
	return t.events
}

// EventsNamed filters the emitted events by name.
func (t *Transaction) EventsNamed(name string) []*eventBusTypes.LedgerEvent {
	out := make([]*eventBusTypes.LedgerEvent, 0)
	for _, e := range t.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// DiscardEvents drops everything emitted so far. Used when a transition is rolled back.
func (t *Transaction) DiscardEvents() {
	t.events = make([]*eventBusTypes.LedgerEvent, 0)
}
