package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatshard/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConninfo - уникальная in-memory sqlite база. Живет, пока открыт
// хотя бы один коннект, поэтому хендлы в тестах держатся до конца.
func testConninfo(prefix string) string {
	return fmt.Sprintf("sqlite:file:%s_%s?mode=memory&cache=shared", prefix, gofakeit.LetterN(12))
}

func testCatalog(t *testing.T) *AccountDB {
	t.Helper()
	g, err := Open(testConninfo("catalog"))
	require.NoError(t, err)
	require.NoError(t, MigrateCatalog(g))
	return NewAccountDB(g, time.Second)
}

func TestCreateUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	email := gofakeit.Email()
	created, err := account.CreateUser(ctx, "alice", "hash", &email, 1)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	loaded, err := account.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, "alice", loaded.Username)
	assert.Equal(t, int32(1), loaded.ShardID)
	require.NotNil(t, loaded.Email)
	assert.Equal(t, email, *loaded.Email)

	_, err = account.CreateUser(ctx, "alice", "otherhash", nil, 2)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = account.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShardRegistryLookup(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	_, err := account.RegisterShard(ctx, 1, "shard1", "sqlite:file:whatever?mode=memory")
	require.NoError(t, err)

	user, err := account.CreateUser(ctx, "bob", "hash", nil, 1)
	require.NoError(t, err)

	shardID, err := account.GetShardID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), shardID)

	info, err := account.GetShardInfo(ctx, shardID)
	require.NoError(t, err)
	assert.Equal(t, "shard1", info.Name)

	// join-путь: один запрос вместо двух
	joined, err := account.GetShardForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, info.ID, joined.ID)
	assert.Equal(t, info.Conninfo, joined.Conninfo)

	_, err = account.GetShardInfo(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = account.GetShardForUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	txID, err := account.StartTransaction(ctx)
	require.NoError(t, err)
	assert.Contains(t, txID, "TX_")

	tx, err := account.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, tx.Status)

	require.NoError(t, account.CommitTransaction(ctx, txID))
	// повторный commit - наблюдаемый успех, состояние не меняется
	require.NoError(t, account.CommitTransaction(ctx, txID))

	// терминальный статус не пересматривается
	err = account.CancelTransaction(ctx, txID)
	assert.ErrorIs(t, err, ErrTxConflict)

	tx, err = account.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, tx.Status)
}

func TestCancelTransaction(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	txID, err := account.StartTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, account.CancelTransaction(ctx, txID))
	require.NoError(t, account.CancelTransaction(ctx, txID))

	err = account.CommitTransaction(ctx, txID)
	assert.ErrorIs(t, err, ErrTxConflict)

	err = account.CommitTransaction(ctx, "TX_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionIDsUnique(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		txID, err := account.StartTransaction(ctx)
		require.NoError(t, err)
		assert.False(t, seen[txID], "duplicate tx id %s", txID)
		seen[txID] = true
	}
}

func TestStaleTransactions(t *testing.T) {
	ctx := context.Background()
	account := testCatalog(t)

	pending, err := account.StartTransaction(ctx)
	require.NoError(t, err)
	confirmed, err := account.StartTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, account.CommitTransaction(ctx, confirmed))

	time.Sleep(10 * time.Millisecond)
	stale, err := account.StaleTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, pending, stale[0].ID)

	stale, err = account.StaleTransactions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
