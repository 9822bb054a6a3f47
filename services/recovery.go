package services

import (
	"context"
	"errors"
	"log"
	"time"

	"chatshard/db"
)

// Sweeper добивает зависшие PENDING транзакции: координатор упал между
// prepare и confirm, строка леджера осталась открытой, а у отправителя
// завис резерв. PENDING означает, что точка линеаризации не пройдена,
// поэтому единственное безопасное направление - отмена.
type Sweeper struct {
	account  *db.AccountDB
	router   *db.DbRouter
	interval time.Duration
	staleAge time.Duration
}

func NewSweeper(router *db.DbRouter, interval, staleAge time.Duration) *Sweeper {
	return &Sweeper{
		account:  router.AccountDb(),
		router:   router,
		interval: interval,
		staleAge: staleAge,
	}
}

// Run крутит цикл уборки до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			canceled, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("sweeper: pass failed: %v", err)
			} else if canceled > 0 {
				log.Printf("sweeper: canceled %d stale transactions", canceled)
			}
		}
	}
}

// SweepOnce отменяет PENDING строки старше staleAge и откатывает их
// незакрытые prepare-фазы на всех шардах. Сначала отмена леджера:
// она арбитр - если транзакция успела подтвердиться, CancelTransaction
// вернет ErrTxConflict и транзакция не трогается.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.account.StaleTransactions(ctx, s.staleAge)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	shards, err := s.account.ListShards(ctx)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for _, tx := range stale {
		if err := s.account.CancelTransaction(ctx, tx.ID); err != nil {
			if errors.Is(err, db.ErrTxConflict) {
				// гонка с confirm: транзакция уже состоялась
				continue
			}
			log.Printf("sweeper: cancel %s failed: %v", tx.ID, err)
			continue
		}
		canceled++

		for _, info := range shards {
			shard, err := db.OpenShard(info.Conninfo, 0)
			if err != nil {
				log.Printf("sweeper: open shard %d failed: %v", info.ID, err)
				continue
			}
			rolled, err := shard.RollbackStale(ctx, tx.ID)
			if err != nil {
				log.Printf("sweeper: rollback %s on shard %d failed: %v", tx.ID, info.ID, err)
				continue
			}
			if rolled > 0 {
				log.Printf("sweeper: rolled back %d ops of %s on shard %d", rolled, tx.ID, info.ID)
			}
		}
	}
	return canceled, nil
}
