package services

import (
	"context"
	"testing"
	"time"

	"chatshard/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperCancelsStalePending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)

	// имитация падения координатора между prepare и confirm
	txID, err := env.account.StartTransaction(ctx)
	require.NoError(t, err)
	shard, err := env.router.GetShardForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.NoError(t, shard.PrepareTransfer(ctx, alice.ID, 30, true, txID))

	time.Sleep(10 * time.Millisecond)
	sweeper := NewSweeper(env.router, time.Minute, 0)
	canceled, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, canceled)

	// резерв отправителя возвращен, леджер отменен
	w := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(100), w.Money)
	assert.Equal(t, int64(0), w.HeldMoney)
	assert.Equal(t, models.TxCanceled, env.txStatus(t, txID))

	// повторный проход пуст
	canceled, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, canceled)
}

func TestSweeperLeavesConfirmedAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)

	res := env.facade.TransferMoney(ctx, "alice", "bob", 30)
	require.Equal(t, TransferOK, res.Status)

	time.Sleep(10 * time.Millisecond)
	sweeper := NewSweeper(env.router, time.Minute, 0)
	canceled, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, canceled)

	assert.Equal(t, models.TxConfirmed, env.txStatus(t, res.TxID))
	w := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(70), w.Money)
}

func TestSweeperRespectsStaleAge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	txID, err := env.account.StartTransaction(ctx)
	require.NoError(t, err)

	// свежие PENDING не трогаются: перевод может еще идти
	sweeper := NewSweeper(env.router, time.Minute, time.Hour)
	canceled, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, canceled)
	assert.Equal(t, models.TxPending, env.txStatus(t, txID))
}
