package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatshard/db"
	"chatshard/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testEnv - каталог и два шарда на in-memory sqlite. gorm-хендлы
// держатся в структуре: in-memory база живет, пока открыт коннект.
type testEnv struct {
	catalogORM *gorm.DB
	shard1ORM  *gorm.DB
	shard2ORM  *gorm.DB
	account    *db.AccountDB
	router     *db.DbRouter
	facade     *DbFacade
}

func memConninfo(prefix string) string {
	return fmt.Sprintf("sqlite:file:%s_%s?mode=memory&cache=shared", prefix, gofakeit.LetterN(12))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	catalogORM, err := db.Open(memConninfo("catalog"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateCatalog(catalogORM))

	env := &testEnv{catalogORM: catalogORM}
	env.account = db.NewAccountDB(catalogORM, time.Second)

	for i, orm := range []**gorm.DB{&env.shard1ORM, &env.shard2ORM} {
		conninfo := memConninfo(fmt.Sprintf("shard%d", i+1))
		g, err := db.Open(conninfo)
		require.NoError(t, err)
		require.NoError(t, db.MigrateShard(g))
		*orm = g
		_, err = env.account.RegisterShard(ctx, int32(i+1), fmt.Sprintf("shard%d", i+1), conninfo)
		require.NoError(t, err)
	}

	env.router = db.NewDbRouter(env.account, time.Second)
	env.facade = NewDbFacade(env.router, 3)
	return env
}

func (e *testEnv) createUser(t *testing.T, username string, shardID int32) *models.User {
	t.Helper()
	u, err := e.account.CreateUser(context.Background(), username, "hash", nil, shardID)
	require.NoError(t, err)
	return u
}

func (e *testEnv) seedWallet(t *testing.T, orm *gorm.DB, userID int32, money int64) {
	t.Helper()
	require.NoError(t, orm.Create(&models.Wallet{UserID: userID, Money: money}).Error)
}

func (e *testEnv) wallet(t *testing.T, orm *gorm.DB, userID int32) *models.Wallet {
	t.Helper()
	var w models.Wallet
	require.NoError(t, orm.Where("user_id = ?", userID).First(&w).Error)
	return &w
}

func (e *testEnv) txStatus(t *testing.T, txID string) int16 {
	t.Helper()
	tx, err := e.account.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	return tx.Status
}

func TestTransferHappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	bob := env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)
	// у Боба кошелька нет - prepare получателя его создаст

	res := env.facade.TransferMoney(ctx, "alice", "bob", 30)
	require.NoError(t, res.Err)
	assert.Equal(t, TransferOK, res.Status)
	require.NotEmpty(t, res.TxID)

	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(70), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)

	wb := env.wallet(t, env.shard2ORM, bob.ID)
	assert.Equal(t, int64(30), wb.Money)
	assert.Equal(t, int64(0), wb.HeldMoney)

	assert.Equal(t, models.TxConfirmed, env.txStatus(t, res.TxID))
	var confirmed int64
	require.NoError(t, env.catalogORM.Model(&models.Transaction{}).
		Where("status = ?", models.TxConfirmed).Count(&confirmed).Error)
	assert.Equal(t, int64(1), confirmed)
}

func TestTransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 10)

	res := env.facade.TransferMoney(ctx, "alice", "bob", 30)
	assert.Equal(t, TransferInsufficient, res.Status)

	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(10), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)

	// строка леджера есть и отменена, а не отсутствует
	assert.Equal(t, models.TxCanceled, env.txStatus(t, res.TxID))
}

func TestTransferPreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createUser(t, "alice", 1)

	res := env.facade.TransferMoney(ctx, "alice", "ghost", 30)
	assert.Equal(t, TransferNotFound, res.Status)
	res = env.facade.TransferMoney(ctx, "ghost", "alice", 30)
	assert.Equal(t, TransferNotFound, res.Status)
	res = env.facade.TransferMoney(ctx, "alice", "alice", 30)
	assert.Equal(t, TransferRejected, res.Status)
	res = env.facade.TransferMoney(ctx, "alice", "bob", 0)
	assert.Equal(t, TransferRejected, res.Status)
	res = env.facade.TransferMoney(ctx, "alice", "bob", -5)
	assert.Equal(t, TransferRejected, res.Status)

	// предусловия отсекаются до открытия леджера
	var total int64
	require.NoError(t, env.catalogORM.Model(&models.Transaction{}).Count(&total).Error)
	assert.Equal(t, int64(0), total)
}

// failingShard имитирует недоступный шард: любой примитив падает.
type failingShard struct{}

func (failingShard) PrepareTransfer(context.Context, int32, int64, bool, string) error {
	return errors.New("shard down")
}
func (failingShard) CommitTransfer(context.Context, int32, int64, bool, string) error {
	return errors.New("shard down")
}
func (failingShard) RollbackTransfer(context.Context, int32, int64, bool, string) error {
	return errors.New("shard down")
}

// brokenShardResolver подменяет шард одного пользователя заглушкой.
type brokenShardResolver struct {
	Resolver
	brokenUser int32
	broken     WalletShard
}

func (r brokenShardResolver) GetShardForUser(ctx context.Context, userID int32) (WalletShard, error) {
	if userID == r.brokenUser {
		return r.broken, nil
	}
	return r.Resolver.GetShardForUser(ctx, userID)
}

func TestTransferReceiverPrepareFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	bob := env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)

	resolver := brokenShardResolver{
		Resolver:   routerResolver{router: env.router},
		brokenUser: bob.ID,
		broken:     failingShard{},
	}
	orch := NewOrchestratorWith(resolver, 3)

	res := orch.TransferMoney(ctx, "alice", "bob", 30)
	assert.Equal(t, TransferCoordError, res.Status)

	// резерв отправителя откатился
	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(100), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)

	assert.Equal(t, models.TxCanceled, env.txStatus(t, res.TxID))
}

// brokenLedger пропускает start/cancel, но валит confirm.
type brokenLedger struct {
	Ledger
}

func (l brokenLedger) CommitTransaction(context.Context, string) error {
	return errors.New("ledger write failed")
}

type brokenLedgerResolver struct {
	Resolver
	ledger Ledger
}

func (r brokenLedgerResolver) Ledger() Ledger {
	return r.ledger
}

func TestTransferLedgerConfirmFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	bob := env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)
	env.seedWallet(t, env.shard2ORM, bob.ID, 0)

	resolver := brokenLedgerResolver{
		Resolver: routerResolver{router: env.router},
		ledger:   brokenLedger{Ledger: env.account},
	}
	orch := NewOrchestratorWith(resolver, 3)

	res := orch.TransferMoney(ctx, "alice", "bob", 30)
	assert.Equal(t, TransferCoordError, res.Status)

	// компенсирующие rollback-и вернули оба кошелька
	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(100), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)
	wb := env.wallet(t, env.shard2ORM, bob.ID)
	assert.Equal(t, int64(0), wb.Money)
	assert.Equal(t, int64(0), wb.HeldMoney)

	// строка леджера осталась PENDING - ее добьет sweeper
	assert.Equal(t, models.TxPending, env.txStatus(t, res.TxID))
}

// flakyCommitShard - prepare проходит, commit не проходит никогда.
type flakyCommitShard struct {
	WalletShard
}

func (s flakyCommitShard) CommitTransfer(context.Context, int32, int64, bool, string) error {
	return errors.New("commit timeout")
}

type flakyCommitResolver struct {
	Resolver
	flakyUser int32
}

func (r flakyCommitResolver) GetShardForUser(ctx context.Context, userID int32) (WalletShard, error) {
	shard, err := r.Resolver.GetShardForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userID == r.flakyUser {
		return flakyCommitShard{WalletShard: shard}, nil
	}
	return shard, nil
}

func TestTransferPartialCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	bob := env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)

	resolver := flakyCommitResolver{
		Resolver:  routerResolver{router: env.router},
		flakyUser: bob.ID,
	}
	orch := NewOrchestratorWith(resolver, 2)

	res := orch.TransferMoney(ctx, "alice", "bob", 30)
	assert.Equal(t, TransferPartial, res.Status)
	require.NotEmpty(t, res.TxID)

	// глобально перевод состоялся: после CONFIRMED отката нет
	assert.Equal(t, models.TxConfirmed, env.txStatus(t, res.TxID))

	// сторона отправителя применена, зачисление получателю не применено
	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(70), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)
	wb := env.wallet(t, env.shard2ORM, bob.ID)
	assert.Equal(t, int64(0), wb.Money)
}

func TestTransferDrainSameSender(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", 1)
	env.createUser(t, "bob", 2)
	env.seedWallet(t, env.shard1ORM, alice.ID, 100)

	first := env.facade.TransferMoney(ctx, "alice", "bob", 70)
	second := env.facade.TransferMoney(ctx, "alice", "bob", 70)

	statuses := []TransferStatus{first.Status, second.Status}
	assert.Contains(t, statuses, TransferOK)
	assert.Contains(t, statuses, TransferInsufficient)

	// суммарный списанный объем не превышает стартовый баланс
	wa := env.wallet(t, env.shard1ORM, alice.ID)
	assert.Equal(t, int64(30), wa.Money)
	assert.Equal(t, int64(0), wa.HeldMoney)

	assert.Equal(t, models.TxConfirmed, env.txStatus(t, first.TxID))
	assert.Equal(t, models.TxCanceled, env.txStatus(t, second.TxID))
}
