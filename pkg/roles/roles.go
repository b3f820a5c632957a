package roles

import (
	"errors"
	"fmt"
	"slices"
	"strings"

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

type Role string

const (
	Role_Admin     Role = "admin"
	Role_Treasurer Role = "treasurer"
	Role_Protocol  Role = "protocol"
	Role_Timelock  Role = "timelock"
	Role_Oracle    Role = "oracle"
)

var AllRoles = []Role{Role_Admin, Role_Treasurer, Role_Protocol, Role_Timelock, Role_Oracle}

func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role '%s'", s)
}

var (
	ErrUnauthorized  = errors.New("caller is missing a required role")
	ErrRoleUnchanged = errors.New("role membership unchanged")
	ErrLastAdmin     = errors.New("cannot revoke the last admin")
)

const (
	Event_RoleGranted = "RoleGranted"
	Event_RoleRevoked = "RoleRevoked"
)

type RoleChange struct {
	Role    Role   `json:"role"`
	Account string `json:"account"`
}

type roleChangeKey struct {
	role Role
	addr common.Address
}

// RolesModel is the role membership table guarding privileged ledger operations.
type RolesModel struct {
	base.BaseStateModel
	logger  *zap.Logger
	members map[Role]map[common.Address]struct{}

	stateAccumulator map[uint64]map[roleChangeKey]bool
}

func NewRolesModel(lsm *stateManager.LedgerStateManager, logger *zap.Logger) (*RolesModel, error) {
	m := &RolesModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		members:          newMembers(),
		stateAccumulator: make(map[uint64]map[roleChangeKey]bool),
	}
	lsm.RegisterState(m, 1)
	return m, nil
}

func newMembers() map[Role]map[common.Address]struct{} {
	members := make(map[Role]map[common.Address]struct{})
	for _, r := range AllRoles {
		members[r] = make(map[common.Address]struct{})
	}
	return members
}

func (r *RolesModel) GetModelName() string {
	return "RolesModel"
}

// Bootstrap seeds role membership outside of a transition. Used when building the ledger from config.
func (r *RolesModel) Bootstrap(role Role, addrs ...common.Address) {
	for _, a := range addrs {
		r.members[role][a] = struct{}{}
	}
}

func (r *RolesModel) HasRole(addr common.Address, role Role) bool {
	_, ok := r.members[role][addr]
	return ok
}

// Require succeeds when the caller holds at least one of the given roles.
// An empty role list means the operation is public.
func (r *RolesModel) Require(caller common.Address, roles ...Role) error {
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if r.HasRole(caller, role) {
			return nil
		}
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return fmt.Errorf("%w: %s needs one of [%s]", ErrUnauthorized, caller.Hex(), strings.Join(names, ", "))
}

func (r *RolesModel) Members(role Role) []common.Address {
	out := make([]common.Address, 0, len(r.members[role]))
	for a := range r.members[role] {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}

func (r *RolesModel) Grant(tx types.ITransaction, role Role, addr common.Address) error {
	if r.HasRole(addr, role) {
		return ErrRoleUnchanged
	}
	if err := r.record(tx, role, addr, true); err != nil {
		return err
	}
	r.members[role][addr] = struct{}{}
	tx.Emit(Event_RoleGranted, &RoleChange{Role: role, Account: addr.Hex()})
	return nil
}

func (r *RolesModel) Revoke(tx types.ITransaction, role Role, addr common.Address) error {
	if !r.HasRole(addr, role) {
		return ErrRoleUnchanged
	}
	if role == Role_Admin && len(r.members[Role_Admin]) == 1 {
		return ErrLastAdmin
	}
	if err := r.record(tx, role, addr, false); err != nil {
		return err
	}
	delete(r.members[role], addr)
	tx.Emit(Event_RoleRevoked, &RoleChange{Role: role, Account: addr.Hex()})
	return nil
}

func (r *RolesModel) record(tx types.ITransaction, role Role, addr common.Address, active bool) error {
	changes, ok := r.stateAccumulator[tx.Sequence()]
	if !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	changes[roleChangeKey{role: role, addr: addr}] = active
	return nil
}

func (r *RolesModel) SetupStateForTransition(seq uint64) error {
	r.stateAccumulator[seq] = make(map[roleChangeKey]bool)
	return nil
}

func (r *RolesModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(r.stateAccumulator, seq)
	return nil
}

func (r *RolesModel) Checkpoint() any {
	c := newMembers()
	for role, addrs := range r.members {
		for a := range addrs {
			c[role][a] = struct{}{}
		}
	}
	return c
}

func (r *RolesModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(map[Role]map[common.Address]struct{})
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	r.members = cp
	return nil
}

func (r *RolesModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	records := make([]*storage.RoleMember, 0)
	for key, active := range r.stateAccumulator[seq] {
		records = append(records, &storage.RoleMember{
			Role:    string(key.role),
			Address: utils.AddressKey(key.addr),
			Active:  active,
			Seq:     seq,
		})
	}
	slices.SortFunc(records, func(a, b *storage.RoleMember) int {
		return strings.Compare(a.Role+a.Address, b.Role+b.Address)
	})
	if err := storage.Upsert(grm, records); err != nil {
		r.logger.Error("Failed to upsert role members", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (r *RolesModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, role := range AllRoles {
		for a := range r.members[role] {
			inputs = append(inputs, &base.MerkleTreeInput{
				SlotID: base.NewSlotID(string(role), utils.AddressKey(a)),
				Value:  []byte{1},
			})
		}
	}
	base.SortInputs(inputs)
	return r.GenerateRoot(seq, inputs)
}
