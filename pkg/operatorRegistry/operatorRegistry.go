package operatorRegistry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/base"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"github.com/yieldledger/yieldledger/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
)

var (
	ErrZeroAddress        = errors.New("zero address")
	ErrAlreadyRegistered  = errors.New("operator already registered")
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrNotRegistered      = errors.New("operator is not registered")
	ErrSanctionsUnchanged = errors.New("sanction status unchanged")
)

const (
	Event_OperatorRegistered      = "OperatorRegistered"
	Event_OperatorDeregistered    = "OperatorDeregistered"
	Event_RewardControllerUpdated = "RewardControllerUpdated"
	Event_SanctionUpdated         = "SanctionUpdated"
)

// Registration is one window during which the operator was registered. An open window
// has Deregistered unset.
type Registration struct {
	RegisteredAt      time.Time `json:"registeredAt"`
	RegisteredAtSeq   uint64    `json:"registeredAtSeq"`
	Deregistered      bool      `json:"deregistered"`
	DeregisteredAt    time.Time `json:"deregisteredAt"`
	DeregisteredAtSeq uint64    `json:"deregisteredAtSeq"`
}

// Covers reports whether the window was open at seq: registered strictly before it and
// not yet deregistered.
func (r *Registration) Covers(seq uint64) bool {
	if r.RegisteredAtSeq >= seq {
		return false
	}
	return !r.Deregistered || seq < r.DeregisteredAtSeq
}

// Operator is a node operator known to the registry. Deregistered operators are kept
// so that epochs they were eligible for remain claimable. The top level registration
// fields describe the latest window; Registrations holds every window in order.
type Operator struct {
	Address           common.Address  `json:"address"`
	RewardController  common.Address  `json:"rewardController"`
	RegisteredAt      time.Time       `json:"registeredAt"`
	RegisteredAtSeq   uint64          `json:"registeredAtSeq"`
	Deregistered      bool            `json:"deregistered"`
	DeregisteredAt    time.Time       `json:"deregisteredAt"`
	DeregisteredAtSeq uint64          `json:"deregisteredAtSeq"`
	Registrations     []*Registration `json:"registrations"`
}

func (o *Operator) IsActive() bool {
	return !o.Deregistered
}

func (o *Operator) clone() *Operator {
	c := *o
	c.Registrations = make([]*Registration, 0, len(o.Registrations))
	for _, r := range o.Registrations {
		w := *r
		c.Registrations = append(c.Registrations, &w)
	}
	return &c
}

// FirstRegisteredAtSeq is the sequence of the operator's earliest registration.
func (o *Operator) FirstRegisteredAtSeq() uint64 {
	if len(o.Registrations) == 0 {
		return o.RegisteredAtSeq
	}
	return o.Registrations[0].RegisteredAtSeq
}

// RegisteredDuring reports whether any of the operator's registration windows covers seq.
func (o *Operator) RegisteredDuring(seq uint64) bool {
	for _, r := range o.Registrations {
		if r.Covers(seq) {
			return true
		}
	}
	return false
}

type registryState struct {
	Operators  map[common.Address]*Operator
	Sanctioned map[common.Address]struct{}
	Active     uint64
	Version    uint64
}

func (s *registryState) clone() *registryState {
	c := &registryState{
		Operators:  make(map[common.Address]*Operator, len(s.Operators)),
		Sanctioned: make(map[common.Address]struct{}, len(s.Sanctioned)),
		Active:     s.Active,
		Version:    s.Version,
	}
	for k, v := range s.Operators {
		c.Operators[k] = v.clone()
	}
	for k := range s.Sanctioned {
		c.Sanctioned[k] = struct{}{}
	}
	return c
}

type registryChanges struct {
	operators  map[common.Address]struct{}
	sanctioned map[common.Address]struct{}
}

// OperatorRegistryModel is a minimal operator whitelist with sanctions, used as the
// membership source for the epoch reward pool.
type OperatorRegistryModel struct {
	base.BaseStateModel
	logger *zap.Logger
	state  *registryState

	stateAccumulator map[uint64]*registryChanges
}

func NewOperatorRegistryModel(lsm *stateManager.LedgerStateManager, logger *zap.Logger) (*OperatorRegistryModel, error) {
	m := &OperatorRegistryModel{
		BaseStateModel: base.BaseStateModel{Logger: logger},
		logger:         logger,
		state: &registryState{
			Operators:  make(map[common.Address]*Operator),
			Sanctioned: make(map[common.Address]struct{}),
		},
		stateAccumulator: make(map[uint64]*registryChanges),
	}
	lsm.RegisterState(m, 2)
	return m, nil
}

func (r *OperatorRegistryModel) GetModelName() string {
	return "OperatorRegistryModel"
}

// OperatorCount is the number of currently registered operators.
func (r *OperatorRegistryModel) OperatorCount() uint64 {
	return r.state.Active
}

// OperatorSetVersion increments every time an operator joins or leaves.
func (r *OperatorRegistryModel) OperatorSetVersion() uint64 {
	return r.state.Version
}

// GetOperator returns a copy of the operator record.
func (r *OperatorRegistryModel) GetOperator(addr common.Address) (*Operator, bool) {
	op, ok := r.state.Operators[addr]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

func (r *OperatorRegistryModel) ListOperators() []*Operator {
	out := make([]*Operator, 0, len(r.state.Operators))
	for _, op := range r.state.Operators {
		out = append(out, op.clone())
	}
	slices.SortFunc(out, func(a, b *Operator) int { return a.Address.Cmp(b.Address) })
	return out
}

func (r *OperatorRegistryModel) IsSanctioned(addr common.Address) bool {
	_, ok := r.state.Sanctioned[addr]
	return ok
}

func (r *OperatorRegistryModel) changes(tx types.ITransaction) (*registryChanges, error) {
	c, ok := r.stateAccumulator[tx.Sequence()]
	if !ok {
		return nil, xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	return c, nil
}

// RegisterOperator adds the operator, or re-registers a previously deregistered one.
// Re-registration opens a new window; earlier windows are kept.
func (r *OperatorRegistryModel) RegisterOperator(tx types.ITransaction, addr common.Address, rewardController common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if existing, ok := r.state.Operators[addr]; ok && existing.IsActive() {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, addr.Hex())
	}
	changes, err := r.changes(tx)
	if err != nil {
		return err
	}
	if rewardController == (common.Address{}) {
		rewardController = addr
	}

	var windows []*Registration
	if existing, ok := r.state.Operators[addr]; ok {
		windows = existing.Registrations
	}
	r.state.Operators[addr] = &Operator{
		Address:          addr,
		RewardController: rewardController,
		RegisteredAt:     tx.Now(),
		RegisteredAtSeq:  tx.Sequence(),
		Registrations: append(windows, &Registration{
			RegisteredAt:    tx.Now(),
			RegisteredAtSeq: tx.Sequence(),
		}),
	}
	r.state.Active++
	r.state.Version++
	changes.operators[addr] = struct{}{}

	r.logger.Info("Registered operator",
		zap.String("operator", addr.Hex()),
		zap.String("rewardController", rewardController.Hex()),
		zap.Uint64("operatorCount", r.state.Active),
	)
	tx.Emit(Event_OperatorRegistered, r.state.Operators[addr])
	return nil
}

func (r *OperatorRegistryModel) DeregisterOperator(tx types.ITransaction, addr common.Address) error {
	op, ok := r.state.Operators[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperator, addr.Hex())
	}
	if !op.IsActive() {
		return fmt.Errorf("%w: %s", ErrNotRegistered, addr.Hex())
	}
	changes, err := r.changes(tx)
	if err != nil {
		return err
	}

	op.Deregistered = true
	op.DeregisteredAt = tx.Now()
	op.DeregisteredAtSeq = tx.Sequence()
	if n := len(op.Registrations); n > 0 {
		last := op.Registrations[n-1]
		last.Deregistered = true
		last.DeregisteredAt = op.DeregisteredAt
		last.DeregisteredAtSeq = op.DeregisteredAtSeq
	}
	r.state.Active--
	r.state.Version++
	changes.operators[addr] = struct{}{}

	r.logger.Info("Deregistered operator",
		zap.String("operator", addr.Hex()),
		zap.Uint64("operatorCount", r.state.Active),
	)
	tx.Emit(Event_OperatorDeregistered, op)
	return nil
}

func (r *OperatorRegistryModel) SetRewardController(tx types.ITransaction, addr common.Address, rewardController common.Address) error {
	if rewardController == (common.Address{}) {
		return ErrZeroAddress
	}
	op, ok := r.state.Operators[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperator, addr.Hex())
	}
	changes, err := r.changes(tx)
	if err != nil {
		return err
	}
	op.RewardController = rewardController
	changes.operators[addr] = struct{}{}
	tx.Emit(Event_RewardControllerUpdated, op)
	return nil
}

func (r *OperatorRegistryModel) SetSanctioned(tx types.ITransaction, addr common.Address, sanctioned bool) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if r.IsSanctioned(addr) == sanctioned {
		return ErrSanctionsUnchanged
	}
	changes, err := r.changes(tx)
	if err != nil {
		return err
	}
	if sanctioned {
		r.state.Sanctioned[addr] = struct{}{}
	} else {
		delete(r.state.Sanctioned, addr)
	}
	changes.sanctioned[addr] = struct{}{}
	tx.Emit(Event_SanctionUpdated, map[string]any{
		"address":    addr.Hex(),
		"sanctioned": sanctioned,
	})
	return nil
}

func (r *OperatorRegistryModel) SetupStateForTransition(seq uint64) error {
	r.stateAccumulator[seq] = &registryChanges{
		operators:  make(map[common.Address]struct{}),
		sanctioned: make(map[common.Address]struct{}),
	}
	return nil
}

func (r *OperatorRegistryModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(r.stateAccumulator, seq)
	return nil
}

func (r *OperatorRegistryModel) Checkpoint() any {
	return r.state.clone()
}

func (r *OperatorRegistryModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(*registryState)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	r.state = cp.clone()
	return nil
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}

func (r *OperatorRegistryModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	changes, ok := r.stateAccumulator[seq]
	if !ok {
		return nil
	}

	operators := make([]*storage.Operator, 0)
	registrations := make([]*storage.OperatorRegistration, 0)
	for _, addr := range sortedAddresses(changes.operators) {
		op := r.state.Operators[addr]
		record := &storage.Operator{
			Address:           utils.AddressKey(op.Address),
			RewardController:  utils.AddressKey(op.RewardController),
			RegisteredAt:      op.RegisteredAt,
			RegisteredAtSeq:   op.RegisteredAtSeq,
			Deregistered:      op.Deregistered,
			DeregisteredAtSeq: op.DeregisteredAtSeq,
			Seq:               seq,
		}
		if op.Deregistered {
			t := op.DeregisteredAt
			record.DeregisteredAt = &t
		}
		operators = append(operators, record)

		for _, w := range op.Registrations {
			window := &storage.OperatorRegistration{
				Operator:          utils.AddressKey(op.Address),
				RegisteredAtSeq:   w.RegisteredAtSeq,
				RegisteredAt:      w.RegisteredAt,
				DeregisteredAtSeq: w.DeregisteredAtSeq,
				Seq:               seq,
			}
			if w.Deregistered {
				t := w.DeregisteredAt
				window.DeregisteredAt = &t
			}
			registrations = append(registrations, window)
		}
	}
	if err := storage.Upsert(grm, operators); err != nil {
		r.logger.Error("Failed to upsert operators", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	if err := storage.Upsert(grm, registrations); err != nil {
		r.logger.Error("Failed to upsert operator registrations", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}

	sanctioned := make([]*storage.SanctionedAddress, 0)
	for _, addr := range sortedAddresses(changes.sanctioned) {
		sanctioned = append(sanctioned, &storage.SanctionedAddress{
			Address:    utils.AddressKey(addr),
			Sanctioned: r.IsSanctioned(addr),
			Seq:        seq,
		})
	}
	if err := storage.Upsert(grm, sanctioned); err != nil {
		r.logger.Error("Failed to upsert sanctioned addresses", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (r *OperatorRegistryModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for addr, op := range r.state.Operators {
		value := op.RewardController.Bytes()
		for _, w := range op.Registrations {
			value = append(value, base.EncodeUint64(w.RegisteredAtSeq)...)
			value = append(value, base.EncodeUint64(w.DeregisteredAtSeq)...)
		}
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("operator", utils.AddressKey(addr)),
			Value:  value,
		})
	}
	for addr := range r.state.Sanctioned {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("sanctioned", utils.AddressKey(addr)),
			Value:  []byte{1},
		})
	}
	base.SortInputs(inputs)
	return r.GenerateRoot(seq, inputs)
}
