package rewardClaims

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/yieldledger/yieldledger/internal/config"
	"github.com/yieldledger/yieldledger/internal/logger"
	sqliteTests "github.com/yieldledger/yieldledger/internal/tests/sqlite"
	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/claimStreamer"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/types"
	"github.com/yieldledger/yieldledger/pkg/storage"
	"go.uber.org/zap"
)

var (
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	now      = time.Unix(1726063248, 0)
)

type noFees struct{}

func (noFees) TreasuryFeePercent() *big.Int { return big.NewInt(0) }
func (noFees) OperatorFeePercent() *big.Int { return big.NewInt(0) }

type sink common.Address

func (s sink) Address() common.Address { return common.Address(s) }
func (s sink) OnValueReceived(tx types.ITransaction, amount *big.Int) error {
	return nil
}

func setup(t *testing.T) (*stateManager.LedgerStateManager, *balances.BalancesModel, *claimStreamer.ClaimStreamerModel, *RewardClaimsModel, *zap.Logger) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := stateManager.NewLedgerStateManager(l)
	bal, _ := balances.NewBalancesModel(lsm, l)
	pool := sink(common.HexToAddress("0x00000000000000000000000000000000000000f0"))
	streamer, err := claimStreamer.NewClaimStreamerModel(lsm, bal, pool, pool, treasury, config.DefaultStreamingInterval, config.RemainderPolicy_Reset, l)
	require.Nil(t, err)
	streamer.RegisterFeeSource(balances.Asset_ETH, noFees{})
	streamer.RegisterFeeSource(balances.Asset_RPL, noFees{})

	model, _ := NewRewardClaimsModel(lsm, bal, streamer, l)
	return lsm, bal, streamer, model, l
}

func buildTree(t *testing.T, streamer common.Address, index uint64, eth int64, rpl int64) ([]byte, *merkletree.Proof) {
	leaf := LeafData(streamer, index, big.NewInt(eth), big.NewInt(rpl))
	tree, err := NewRewardsTree([][]byte{
		leaf,
		LeafData(other, index, big.NewInt(1), big.NewInt(1)),
		LeafData(other, index+1, big.NewInt(2), big.NewInt(2)),
	})
	require.Nil(t, err)
	proof, err := tree.GenerateProof(leaf, 0)
	require.Nil(t, err)
	return tree.Root(), proof
}

func Test_RewardClaims(t *testing.T) {
	t.Run("Should encode leaves as 32 byte words", func(t *testing.T) {
		data := LeafData(other, 7, big.NewInt(1), big.NewInt(2))
		assert.Len(t, data, 128)
		assert.Equal(t, other.Bytes(), data[12:32])
		assert.Equal(t, byte(7), data[63])
		assert.Equal(t, byte(2), data[127])
	})
	t.Run("Should credit a proven claim to the streamer exactly once", func(t *testing.T) {
		lsm, bal, streamer, model, _ := setup(t)
		root, proof := buildTree(t, streamer.Address(), 1, 100, 50)

		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, admin)
		assert.Nil(t, model.SetRewardsRoot(tx, 1, root))
		assert.ErrorIs(t, model.SetRewardsRoot(tx, 1, root), ErrRootAlreadySet)
		assert.ErrorIs(t, model.SetRewardsRoot(tx, 2, root[:31]), ErrInvalidRoot)

		assert.Nil(t, model.Claim(tx, 1, big.NewInt(100), big.NewInt(50), proof))
		assert.True(t, model.IsClaimed(1))
		assert.Equal(t, "100", bal.BalanceOf(balances.Asset_ETH, streamer.Address()).String())
		assert.Equal(t, "50", bal.BalanceOf(balances.Asset_RPL, streamer.Address()).String())
		assert.Equal(t, "100", streamer.GetStreamState(balances.Asset_ETH).PriorStreamAmount.String())
		assert.Len(t, tx.EventsNamed(claimStreamer.Event_ClaimSubmitted), 2)

		err := model.Claim(tx, 1, big.NewInt(100), big.NewInt(50), proof)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})
	t.Run("Should reject unknown indexes and bad proofs", func(t *testing.T) {
		lsm, _, streamer, model, _ := setup(t)
		root, proof := buildTree(t, streamer.Address(), 1, 100, 0)

		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, admin)
		assert.ErrorIs(t, model.Claim(tx, 1, big.NewInt(100), big.NewInt(0), proof), ErrUnknownRewardIndex)

		assert.Nil(t, model.SetRewardsRoot(tx, 1, root))
		assert.ErrorIs(t, model.Claim(tx, 1, big.NewInt(101), big.NewInt(0), proof), ErrInvalidProof)
		assert.ErrorIs(t, model.Claim(tx, 1, big.NewInt(100), big.NewInt(0), nil), ErrInvalidProof)
		assert.ErrorIs(t, model.Claim(tx, 1, big.NewInt(-1), big.NewInt(0), proof), ErrInvalidAmount)
		assert.False(t, model.IsClaimed(1))
	})
	t.Run("Should skip zero amount assets", func(t *testing.T) {
		lsm, bal, streamer, model, _ := setup(t)
		root, proof := buildTree(t, streamer.Address(), 3, 0, 40)

		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, admin)
		assert.Nil(t, model.SetRewardsRoot(tx, 3, root))
		assert.Nil(t, model.Claim(tx, 3, big.NewInt(0), big.NewInt(40), proof))
		assert.Len(t, tx.EventsNamed(claimStreamer.Event_ClaimSubmitted), 1)
		assert.Equal(t, "40", bal.BalanceOf(balances.Asset_RPL, streamer.Address()).String())
	})
	t.Run("Should persist roots and roll back a claim", func(t *testing.T) {
		lsm, _, streamer, model, l := setup(t)
		grm, err := sqliteTests.GetInMemorySqliteDatabaseConnection(l)
		require.Nil(t, err)
		root, proof := buildTree(t, streamer.Address(), 1, 10, 0)

		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, now, admin)
		require.Nil(t, model.SetRewardsRoot(tx, 1, root))
		require.Nil(t, lsm.CommitFinalState(grm, 1))
		_ = lsm.CleanupProcessedStateForTransition(1)

		records := make([]*storage.RewardsRoot, 0)
		assert.Nil(t, grm.Model(&storage.RewardsRoot{}).Find(&records).Error)
		assert.Len(t, records, 1)
		assert.False(t, records[0].Claimed)

		cp, _ := lsm.InitProcessingForTransition(2)
		tx = transaction.NewTransaction(2, now, admin)
		require.Nil(t, model.Claim(tx, 1, big.NewInt(10), big.NewInt(0), proof))
		require.Nil(t, lsm.RestoreCheckpoint(cp))
		assert.False(t, model.IsClaimed(1))
	})
}
