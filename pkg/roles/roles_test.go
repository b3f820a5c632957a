package roles

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/stateManager"
	"github.com/yieldledger/yieldledger/pkg/ledgerState/transaction"
)

func setup() (*stateManager.LedgerStateManager, *RolesModel) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	lsm := stateManager.NewLedgerStateManager(l)
	model, _ := NewRolesModel(lsm, l)
	return lsm, model
}

func Test_Roles(t *testing.T) {
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	protocol := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	nobody := common.HexToAddress("0x0000000000000000000000000000000000000bad")

	t.Run("Should allow public operations without roles", func(t *testing.T) {
		_, model := setup()
		assert.Nil(t, model.Require(nobody))
	})
	t.Run("Should require at least one of the listed roles", func(t *testing.T) {
		_, model := setup()
		model.Bootstrap(Role_Admin, admin)
		model.Bootstrap(Role_Protocol, protocol)

		assert.Nil(t, model.Require(admin, Role_Admin))
		assert.Nil(t, model.Require(protocol, Role_Protocol, Role_Admin))
		assert.ErrorIs(t, model.Require(nobody, Role_Protocol, Role_Admin), ErrUnauthorized)
		assert.ErrorIs(t, model.Require(protocol, Role_Admin), ErrUnauthorized)
	})
	t.Run("Should grant and revoke roles and emit events", func(t *testing.T) {
		lsm, model := setup()
		model.Bootstrap(Role_Admin, admin)
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, time.Now(), admin)

		assert.Nil(t, model.Grant(tx, Role_Oracle, nobody))
		assert.True(t, model.HasRole(nobody, Role_Oracle))
		assert.ErrorIs(t, model.Grant(tx, Role_Oracle, nobody), ErrRoleUnchanged)

		assert.Nil(t, model.Revoke(tx, Role_Oracle, nobody))
		assert.False(t, model.HasRole(nobody, Role_Oracle))
		assert.Equal(t, 1, len(tx.EventsNamed(Event_RoleGranted)))
		assert.Equal(t, 1, len(tx.EventsNamed(Event_RoleRevoked)))
	})
	t.Run("Should never remove the last admin", func(t *testing.T) {
		lsm, model := setup()
		model.Bootstrap(Role_Admin, admin)
		_, _ = lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, time.Now(), admin)

		assert.ErrorIs(t, model.Revoke(tx, Role_Admin, admin), ErrLastAdmin)
		assert.Equal(t, []common.Address{admin}, model.Members(Role_Admin))
	})
	t.Run("Should restore membership from a checkpoint", func(t *testing.T) {
		lsm, model := setup()
		model.Bootstrap(Role_Admin, admin)
		cp, _ := lsm.InitProcessingForTransition(1)
		tx := transaction.NewTransaction(1, time.Now(), admin)

		assert.Nil(t, model.Grant(tx, Role_Treasurer, nobody))
		assert.Nil(t, lsm.RestoreCheckpoint(cp))
		assert.False(t, model.HasRole(nobody, Role_Treasurer))
	})
}
