package rewardClaims

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/claimStreamer"
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
	ErrInvalidRoot        = errors.New("rewards root must be 32 bytes")
	ErrRootAlreadySet     = errors.New("rewards root already set")
	ErrUnknownRewardIndex = errors.New("unknown reward index")
	ErrAlreadyClaimed     = errors.New("reward index already claimed")
	ErrInvalidProof       = errors.New("invalid merkle proof")
	ErrInvalidAmount      = errors.New("amount must not be negative")
)

const (
	Event_RewardsRootSet = "RewardsRootSet"
	Event_RewardsClaimed = "RewardsClaimed"
)

// Streamer is the destination of claimed rewards.
type Streamer interface {
	Address() common.Address
	SubmitClaim(tx types.ITransaction, asset balances.Asset, gross *big.Int, timestamp time.Time) (*claimStreamer.ClaimResult, error)
}

type RewardsRoot struct {
	Index      uint64 `json:"index"`
	Root       []byte `json:"root"`
	Claimed    bool   `json:"claimed"`
	ClaimedSeq uint64 `json:"claimedSeq"`
}

type RewardsRootSet struct {
	Index uint64 `json:"index"`
	Root  string `json:"root"`
}

type RewardsClaimed struct {
	Index uint64 `json:"index"`
	Eth   string `json:"eth"`
	Rpl   string `json:"rpl"`
}

func word(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}

// LeafData is the encoding of a single reward interval: the recipient followed by the
// index and both amounts, each as a 32 byte big endian word.
func LeafData(recipient common.Address, index uint64, eth *big.Int, rpl *big.Int) []byte {
	data := common.LeftPadBytes(recipient.Bytes(), 32)
	data = append(data, word(new(big.Int).SetUint64(index))...)
	data = append(data, word(eth)...)
	data = append(data, word(rpl)...)
	return data
}

// NewRewardsTree builds the keccak tree for a set of leaves produced by LeafData.
func NewRewardsTree(leaves [][]byte) (*merkletree.MerkleTree, error) {
	return merkletree.NewTree(
		merkletree.WithData(leaves),
		merkletree.WithHashType(keccak256.New()),
	)
}

// RewardClaimsModel holds a merkle root per reward interval and lets each interval be
// claimed into the streamer exactly once.
type RewardClaimsModel struct {
	base.BaseStateModel
	logger   *zap.Logger
	balances *balances.BalancesModel
	streamer Streamer
	roots    map[uint64]*RewardsRoot

	stateAccumulator map[uint64]map[uint64]struct{}
}

func NewRewardClaimsModel(lsm *stateManager.LedgerStateManager, balancesModel *balances.BalancesModel, streamer Streamer, logger *zap.Logger) (*RewardClaimsModel, error) {
	m := &RewardClaimsModel{
		BaseStateModel:   base.BaseStateModel{Logger: logger},
		logger:           logger,
		balances:         balancesModel,
		streamer:         streamer,
		roots:            make(map[uint64]*RewardsRoot),
		stateAccumulator: make(map[uint64]map[uint64]struct{}),
	}
	lsm.RegisterState(m, 9)
	return m, nil
}

func (r *RewardClaimsModel) GetModelName() string {
	return "RewardClaimsModel"
}

func (r *RewardClaimsModel) GetRewardsRoot(index uint64) (*RewardsRoot, bool) {
	root, ok := r.roots[index]
	if !ok {
		return nil, false
	}
	c := *root
	return &c, true
}

func (r *RewardClaimsModel) IsClaimed(index uint64) bool {
	root, ok := r.roots[index]
	return ok && root.Claimed
}

func (r *RewardClaimsModel) touch(tx types.ITransaction, index uint64) error {
	touched, ok := r.stateAccumulator[tx.Sequence()]
	if !ok {
		return xerrors.Errorf("No state accumulator found for transition %d", tx.Sequence())
	}
	touched[index] = struct{}{}
	return nil
}

func (r *RewardClaimsModel) SetRewardsRoot(tx types.ITransaction, index uint64, root []byte) error {
	if len(root) != 32 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidRoot, len(root))
	}
	if _, ok := r.roots[index]; ok {
		return fmt.Errorf("%w: %d", ErrRootAlreadySet, index)
	}
	if err := r.touch(tx, index); err != nil {
		return err
	}
	r.roots[index] = &RewardsRoot{Index: index, Root: bytes.Clone(root)}

	tx.Emit(Event_RewardsRootSet, &RewardsRootSet{Index: index, Root: utils.ConvertBytesToString(root)})
	return nil
}

// Claim verifies the proof for the interval, credits the amounts to the streamer and
// submits them as claims.
func (r *RewardClaimsModel) Claim(tx types.ITransaction, index uint64, eth *big.Int, rpl *big.Int, proof *merkletree.Proof) error {
	root, ok := r.roots[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRewardIndex, index)
	}
	if root.Claimed {
		return fmt.Errorf("%w: %d", ErrAlreadyClaimed, index)
	}
	if eth == nil || rpl == nil || eth.Sign() < 0 || rpl.Sign() < 0 {
		return ErrInvalidAmount
	}
	if proof == nil {
		return ErrInvalidProof
	}

	leaf := LeafData(r.streamer.Address(), index, eth, rpl)
	verified, err := merkletree.VerifyProofUsing(leaf, false, proof, [][]byte{root.Root}, keccak256.New())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !verified {
		return ErrInvalidProof
	}
	if err := r.touch(tx, index); err != nil {
		return err
	}
	root.Claimed = true
	root.ClaimedSeq = tx.Sequence()

	amounts := map[balances.Asset]*big.Int{
		balances.Asset_ETH: eth,
		balances.Asset_RPL: rpl,
	}
	for _, asset := range balances.Assets {
		amount := amounts[asset]
		if amount.Sign() == 0 {
			continue
		}
		if err := r.balances.Mint(tx, asset, r.streamer.Address(), amount); err != nil {
			return err
		}
		if _, err := r.streamer.SubmitClaim(tx, asset, amount, tx.Now()); err != nil {
			return err
		}
	}

	r.logger.Info("Claimed rewards",
		zap.Uint64("index", index),
		zap.String("eth", eth.String()),
		zap.String("rpl", rpl.String()),
	)
	tx.Emit(Event_RewardsClaimed, &RewardsClaimed{Index: index, Eth: eth.String(), Rpl: rpl.String()})
	return nil
}

func (r *RewardClaimsModel) SetupStateForTransition(seq uint64) error {
	r.stateAccumulator[seq] = make(map[uint64]struct{})
	return nil
}

func (r *RewardClaimsModel) CleanupProcessedStateForTransition(seq uint64) error {
	delete(r.stateAccumulator, seq)
	return nil
}

func (r *RewardClaimsModel) Checkpoint() any {
	cp := make(map[uint64]*RewardsRoot, len(r.roots))
	for k, v := range r.roots {
		c := *v
		cp[k] = &c
	}
	return cp
}

func (r *RewardClaimsModel) Restore(checkpoint any) error {
	cp, ok := checkpoint.(map[uint64]*RewardsRoot)
	if !ok {
		return xerrors.Errorf("unexpected checkpoint type %T", checkpoint)
	}
	r.roots = make(map[uint64]*RewardsRoot, len(cp))
	for k, v := range cp {
		c := *v
		r.roots[k] = &c
	}
	return nil
}

func (r *RewardClaimsModel) CommitFinalState(grm *gorm.DB, seq uint64) error {
	indexes := make([]uint64, 0)
	for i := range r.stateAccumulator[seq] {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	records := make([]*storage.RewardsRoot, 0, len(indexes))
	for _, i := range indexes {
		root := r.roots[i]
		records = append(records, &storage.RewardsRoot{
			RewardIndex: root.Index,
			Root:        utils.ConvertBytesToString(root.Root),
			Claimed:     root.Claimed,
			ClaimedSeq:  root.ClaimedSeq,
			Seq:         seq,
		})
	}
	if err := storage.Upsert(grm, records); err != nil {
		r.logger.Error("Failed to upsert rewards roots", zap.Error(err), zap.Uint64("seq", seq))
		return err
	}
	return nil
}

func (r *RewardClaimsModel) GenerateStateRoot(seq uint64) ([]byte, error) {
	inputs := make([]*base.MerkleTreeInput, 0, len(r.roots))
	for _, root := range r.roots {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID("root", fmt.Sprintf("%020d", root.Index)),
			Value:  append(bytes.Clone(root.Root), base.EncodeBool(root.Claimed)...),
		})
	}
	base.SortInputs(inputs)
	return r.GenerateRoot(seq, inputs)
}
