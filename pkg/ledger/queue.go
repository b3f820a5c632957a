package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("transaction queue is closed")

type TransactionMessage struct {
	Ctx          context.Context
	Caller       common.Address
	Command      Command
	ResponseChan chan *TransactionResponse
}

type TransactionResponse struct {
	Receipt *Receipt
	Error   error
}

// TransactionQueue serializes commands from concurrent callers onto the ledger with a
// single processing goroutine.
type TransactionQueue struct {
	logger  *zap.Logger
	ledger  *Ledger
	queue   chan *TransactionMessage
	done    chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	running   bool
	closeOnce sync.Once
}

// NewTransactionQueue creates a queue buffering up to bufferSize pending commands.
func NewTransactionQueue(l *Ledger, bufferSize int, logger *zap.Logger) *TransactionQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &TransactionQueue{
		logger: logger,
		ledger: l,
		queue:   make(chan *TransactionMessage, bufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Process drains the queue until Close is called. Only one Process loop runs per queue.
func (tq *TransactionQueue) Process() {
	tq.mu.Lock()
	if tq.running {
		tq.mu.Unlock()
		return
	}
	select {
	case <-tq.done:
		tq.mu.Unlock()
		return
	default:
	}
	tq.running = true
	tq.mu.Unlock()
	defer close(tq.stopped)

	for {
		select {
		case <-tq.done:
			tq.logger.Info("Transaction queue stopped")
			return
		case msg := <-tq.queue:
			response := tq.processMessage(msg)
			if msg.ResponseChan != nil {
				select {
				case msg.ResponseChan <- response:
				default:
					tq.logger.Info("No receiver for response, dropping", zap.String("command", msg.Command.Name()))
				}
			}
		}
	}
}

func (tq *TransactionQueue) processMessage(msg *TransactionMessage) *TransactionResponse {
	// the caller gave up before the command was dequeued
	if msg.Ctx != nil && msg.Ctx.Err() != nil {
		return &TransactionResponse{Error: msg.Ctx.Err()}
	}
	tq.logger.Debug("Processing command",
		zap.String("command", msg.Command.Name()),
		zap.String("caller", msg.Caller.Hex()),
	)
	receipt, err := tq.ledger.Execute(msg.Caller, msg.Command)
	return &TransactionResponse{Receipt: receipt, Error: err}
}

// EnqueueAndWait adds the command to the queue and waits for it to be applied or for the context to be done.
func (tq *TransactionQueue) EnqueueAndWait(ctx context.Context, caller common.Address, cmd Command) (*Receipt, error) {
	responseChan := make(chan *TransactionResponse, 1)
	msg := &TransactionMessage{
		Ctx:          ctx,
		Caller:       caller,
		Command:      cmd,
		ResponseChan: responseChan,
	}

	select {
	case tq.queue <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tq.done:
		return nil, ErrQueueClosed
	}

	select {
	case response := <-responseChan:
		return response.Receipt, response.Error
	case <-ctx.Done():
		tq.logger.Info("Received context.Done()", zap.String("command", cmd.Name()))
		return nil, ctx.Err()
	case <-tq.stopped:
		// the loop answers an in-flight command before it stops
		select {
		case response := <-responseChan:
			return response.Receipt, response.Error
		default:
			return nil, ErrQueueClosed
		}
	}
}

// Close stops the queue. Callers still waiting on a command that was never applied
// return ErrQueueClosed. Close is safe to call more than once.
func (tq *TransactionQueue) Close() {
	tq.closeOnce.Do(func() {
		tq.mu.Lock()
		defer tq.mu.Unlock()
		tq.logger.Info("Closing transaction queue")
		close(tq.done)
		if !tq.running {
			close(tq.stopped)
		}
	})
}
