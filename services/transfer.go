package services

import (
	"context"
	"errors"
	"log"

	"chatshard/db"
	"chatshard/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger - операции глобального леджера на каталоге.
type Ledger interface {
	StartTransaction(ctx context.Context) (string, error)
	CommitTransaction(ctx context.Context, txID string) error
	CancelTransaction(ctx context.Context, txID string) error
}

// WalletShard - TCC-примитивы кошелька на одном шарде.
type WalletShard interface {
	PrepareTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error
	CommitTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error
	RollbackTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error
}

// Resolver - то, что оркестратору нужно от слоя маршрутизации.
type Resolver interface {
	GetUser(ctx context.Context, username string) (*models.User, error)
	GetShardForUser(ctx context.Context, userID int32) (WalletShard, error)
	Ledger() Ledger
}

// routerResolver адаптирует db.DbRouter под Resolver.
type routerResolver struct {
	router *db.DbRouter
}

func (r routerResolver) GetUser(ctx context.Context, username string) (*models.User, error) {
	return r.router.GetUser(ctx, username)
}

func (r routerResolver) GetShardForUser(ctx context.Context, userID int32) (WalletShard, error) {
	shard, err := r.router.GetShardForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return shard, nil
}

func (r routerResolver) Ledger() Ledger {
	return r.router.AccountDb()
}

type TransferStatus string

const (
	TransferOK           TransferStatus = "ok"
	TransferRejected     TransferStatus = "rejected"
	TransferNotFound     TransferStatus = "not_found"
	TransferInsufficient TransferStatus = "insufficient_funds"
	TransferCoordError   TransferStatus = "coordinator_error"
	// TransferPartial - леджер CONFIRMED, но применение на шарде не
	// прошло за отведенные ретраи. Деньги переведены в глобальном
	// смысле; повторно применение на шарде ничто не запускает (sweeper
	// трогает только PENDING строки).
	TransferPartial TransferStatus = "partial_commit"
)

type TransferResult struct {
	Status TransferStatus `json:"status"`
	TxID   string         `json:"tx_id,omitempty"`
	Err    error          `json:"-"`
}

var transfersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "transfers_total",
		Help: "Total number of money transfers by outcome",
	},
	[]string{"status"},
)

// Orchestrator гоняет перевод по схеме Try/Confirm/Cancel через каталог
// и два шарда. Один перевод - одна последовательная задача, без
// внутреннего параллелизма.
type Orchestrator struct {
	resolver Resolver
	// бюджет повторов применения на шарде после CONFIRMED
	commitRetries int
}

func NewOrchestrator(router *db.DbRouter, commitRetries int) *Orchestrator {
	return NewOrchestratorWith(routerResolver{router: router}, commitRetries)
}

func NewOrchestratorWith(resolver Resolver, commitRetries int) *Orchestrator {
	if commitRetries < 1 {
		commitRetries = 1
	}
	return &Orchestrator{resolver: resolver, commitRetries: commitRetries}
}

func (o *Orchestrator) finish(res TransferResult, from, to string, fromID, toID int32, amount int64) TransferResult {
	transfersTotal.WithLabelValues(string(res.Status)).Inc()
	PublishTransferEvent(context.Background(), TransferEvent{
		TxID:   res.TxID,
		From:   from,
		To:     to,
		FromID: fromID,
		ToID:   toID,
		Amount: amount,
		Status: string(res.Status),
	})
	return res
}

// applyWithRetry повторяет применение на шарде после точки
// линеаризации. Исход перевода уже зафиксирован леджером, поэтому
// откатывать нечего - только повторять.
func (o *Orchestrator) applyWithRetry(ctx context.Context, shard WalletShard, userID int32, amount int64, isDeduct bool, txID string) error {
	var err error
	for attempt := 0; attempt < o.commitRetries; attempt++ {
		if err = shard.CommitTransfer(ctx, userID, amount, isDeduct, txID); err == nil {
			return nil
		}
		log.Printf("transfer %s: shard apply attempt %d failed: %v", txID, attempt+1, err)
	}
	return err
}

// TransferMoney переводит amount от from к to. Отправитель всегда
// готовится раньше получателя; компенсация идет в обратном порядке
// успешных prepare; ни один шард не коммитится до коммита леджера и
// не откатывается после него.
func (o *Orchestrator) TransferMoney(ctx context.Context, fromUsername, toUsername string, amount int64) TransferResult {
	if amount <= 0 || fromUsername == toUsername {
		return o.finish(TransferResult{Status: TransferRejected}, fromUsername, toUsername, 0, 0, amount)
	}

	// Предусловия: оба пользователя существуют. До каталожного
	// леджера и шардов еще не дошли.
	fromUser, err := o.resolver.GetUser(ctx, fromUsername)
	if err != nil {
		return o.finish(o.resolveFailure(fromUsername, err), fromUsername, toUsername, 0, 0, amount)
	}
	toUser, err := o.resolver.GetUser(ctx, toUsername)
	if err != nil {
		return o.finish(o.resolveFailure(toUsername, err), fromUsername, toUsername, fromUser.ID, 0, amount)
	}

	ledger := o.resolver.Ledger()

	// 1. Открываем строку леджера.
	txID, err := ledger.StartTransaction(ctx)
	if err != nil {
		log.Printf("transfer %s->%s: coordinator unavailable: %v", fromUsername, toUsername, err)
		return o.finish(TransferResult{Status: TransferCoordError, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}

	// 2. Открываем сессии обоих шардов.
	shardA, err := o.resolver.GetShardForUser(ctx, fromUser.ID)
	if err != nil {
		o.cancel(ctx, ledger, txID)
		return o.finish(TransferResult{Status: TransferCoordError, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}
	shardB, err := o.resolver.GetShardForUser(ctx, toUser.ID)
	if err != nil {
		o.cancel(ctx, ledger, txID)
		return o.finish(TransferResult{Status: TransferCoordError, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}

	// 3. Try: резерв у отправителя, затем кошелек получателя.
	if err := shardA.PrepareTransfer(ctx, fromUser.ID, amount, true, txID); err != nil {
		o.cancel(ctx, ledger, txID)
		if errors.Is(err, db.ErrInsufficientFunds) {
			return o.finish(TransferResult{Status: TransferInsufficient, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
		}
		return o.finish(TransferResult{Status: TransferCoordError, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}
	if err := shardB.PrepareTransfer(ctx, toUser.ID, amount, false, txID); err != nil {
		o.rollback(ctx, shardA, fromUser.ID, amount, true, txID)
		o.cancel(ctx, ledger, txID)
		return o.finish(TransferResult{Status: TransferCoordError, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}

	// 4. Confirm. Коммит леджера - точка линеаризации: после него
	// перевод состоялся глобально, что бы ни случилось с шардами.
	if err := ledger.CommitTransaction(ctx, txID); err != nil {
		log.Printf("transfer %s: ledger confirm failed, compensating: %v", txID, err)
		// компенсация в обратном порядке prepare; строка леджера
		// остается PENDING для sweeper-а
		o.rollback(ctx, shardB, toUser.ID, amount, false, txID)
		o.rollback(ctx, shardA, fromUser.ID, amount, true, txID)
		return o.finish(TransferResult{Status: TransferCoordError, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}

	errA := o.applyWithRetry(ctx, shardA, fromUser.ID, amount, true, txID)
	errB := o.applyWithRetry(ctx, shardB, toUser.ID, amount, false, txID)
	if errA != nil || errB != nil {
		err := errA
		if err == nil {
			err = errB
		}
		log.Printf("transfer %s: durable but not fully applied: %v", txID, err)
		return o.finish(TransferResult{Status: TransferPartial, TxID: txID, Err: err}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
	}

	log.Printf("transfer ok: %s -> %s amount=%d tx=%s", fromUsername, toUsername, amount, txID)
	return o.finish(TransferResult{Status: TransferOK, TxID: txID}, fromUsername, toUsername, fromUser.ID, toUser.ID, amount)
}

func (o *Orchestrator) resolveFailure(username string, err error) TransferResult {
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("transfer: user not found: %s", username)
		return TransferResult{Status: TransferNotFound, Err: err}
	}
	return TransferResult{Status: TransferCoordError, Err: err}
}

func (o *Orchestrator) cancel(ctx context.Context, ledger Ledger, txID string) {
	if err := ledger.CancelTransaction(ctx, txID); err != nil {
		log.Printf("transfer %s: cancel failed: %v", txID, err)
	}
}

func (o *Orchestrator) rollback(ctx context.Context, shard WalletShard, userID int32, amount int64, isDeduct bool, txID string) {
	if err := shard.RollbackTransfer(ctx, userID, amount, isDeduct, txID); err != nil {
		log.Printf("transfer %s: rollback for user %d failed: %v", txID, userID, err)
	}
}
