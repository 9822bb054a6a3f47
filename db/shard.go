package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chatshard/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds - у отправителя нет кошелька или денег меньше
// суммы перевода. Различить эти случаи одним условным UPDATE нельзя,
// и для протокола разница не важна: резерв не состоялся.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ShardDb - сессия одного шарда: сообщения и кошельки с TCC-примитивами.
// Открывается роутером на время обработки запроса.
type ShardDb struct {
	orm       *gorm.DB
	opTimeout time.Duration
}

func NewShardDb(orm *gorm.DB, opTimeout time.Duration) *ShardDb {
	return &ShardDb{orm: orm, opTimeout: opTimeout}
}

// OpenShard открывает сессию шарда по conninfo из реестра.
func OpenShard(conninfo string, opTimeout time.Duration) (*ShardDb, error) {
	g, err := Open(conninfo)
	if err != nil {
		return nil, err
	}
	return &ShardDb{orm: g, opTimeout: opTimeout}, nil
}

func (s *ShardDb) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *ShardDb) InsertMessage(ctx context.Context, roomID int64, userID int32, content string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	msg := models.Message{RoomID: roomID, UserID: userID, Content: content}
	if err := s.orm.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages возвращает сообщения комнаты в порядке возрастания id.
func (s *ShardDb) Messages(ctx context.Context, roomID int64) ([]models.Message, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var msgs []models.Message
	err := s.orm.WithContext(ctx).Where("room_id = ?", roomID).Order("id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load messages for room %d: %w", roomID, err)
	}
	return msgs, nil
}

func (s *ShardDb) GetWallet(ctx context.Context, userID int32) (*models.Wallet, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var w models.Wallet
	err := s.orm.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %d: %w", userID, err)
	}
	return &w, nil
}

// EnsureWallet создает пустой кошелек, если его еще нет.
func (s *ShardDb) EnsureWallet(ctx context.Context, userID int32) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	err := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Wallet{UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("ensure wallet %d: %w", userID, err)
	}
	return nil
}

// markPhase фиксирует фазу TCC на шарде. Возвращает false, если фаза
// уже была зафиксирована ранее (повторный вызов).
func markPhase(g *gorm.DB, txID string, userID int32, phase string, isDeduct bool, amount int64) (bool, error) {
	op := models.TransferOp{TxID: txID, UserID: userID, Phase: phase, IsDeduct: isDeduct, Amount: amount}
	res := g.Clauses(clause.OnConflict{DoNothing: true}).Create(&op)
	if res.Error != nil {
		return false, fmt.Errorf("mark %s for %s: %w", phase, txID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func hasPhase(g *gorm.DB, txID string, userID int32, phase string) (bool, error) {
	var n int64
	err := g.Model(&models.TransferOp{}).
		Where("tx_id = ? AND user_id = ? AND phase = ?", txID, userID, phase).
		Count(&n).Error
	return n > 0, err
}

// PrepareTransfer - фаза Try. Сторона отправителя: атомарно перенести
// amount из money в held_money, если money >= amount; ноль затронутых
// строк (нет кошелька или нет денег) - отказ. Сторона получателя:
// только гарантировать существование кошелька, балансы не трогаются.
//
// Prepare не идемпотентен: повторный вызов для того же tx повторно
// зарезервировал бы деньги. Оркестратор не ретраит prepare без rollback.
func (s *ShardDb) PrepareTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error {
	if amount <= 0 {
		return fmt.Errorf("prepare: amount must be positive, got %d", amount)
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	err := s.orm.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		if isDeduct {
			res := g.Model(&models.Wallet{}).
				Where("user_id = ? AND money >= ?", userID, amount).
				Updates(map[string]interface{}{
					"money":      gorm.Expr("money - ?", amount),
					"held_money": gorm.Expr("held_money + ?", amount),
				})
			if res.Error != nil {
				return fmt.Errorf("reserve: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrInsufficientFunds
			}
		} else {
			if err := g.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.Wallet{UserID: userID}).Error; err != nil {
				return fmt.Errorf("ensure wallet: %w", err)
			}
		}
		_, err := markPhase(g, txID, userID, models.OpPrepare, isDeduct, amount)
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("prepare ok: tx=%s user=%d deduct=%v amount=%d", txID, userID, isDeduct, amount)
	return nil
}

// CommitTransfer - фаза Confirm. Отправитель: погасить held_money
// (деньги ушли с ликвидного баланса еще на prepare). Получатель:
// зачислить money. Повторный commit того же tx - no-op.
func (s *ShardDb) CommitTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.orm.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		rolledBack, err := hasPhase(g, txID, userID, models.OpRollback)
		if err != nil {
			return err
		}
		if rolledBack {
			return fmt.Errorf("commit %s for user %d: already rolled back", txID, userID)
		}
		first, err := markPhase(g, txID, userID, models.OpCommit, isDeduct, amount)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}

		if isDeduct {
			res := g.Model(&models.Wallet{}).
				Where("user_id = ? AND held_money >= ?", userID, amount).
				Update("held_money", gorm.Expr("held_money - ?", amount))
			if res.Error != nil {
				return fmt.Errorf("discharge hold: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("commit %s: no hold of %d for user %d", txID, amount, userID)
			}
		} else {
			res := g.Model(&models.Wallet{}).
				Where("user_id = ?", userID).
				Update("money", gorm.Expr("money + ?", amount))
			if res.Error != nil {
				return fmt.Errorf("credit: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("commit %s: no wallet for user %d", txID, userID)
			}
		}
		log.Printf("commit ok: tx=%s user=%d deduct=%v amount=%d", txID, userID, isDeduct, amount)
		return nil
	})
}

// RollbackTransfer - компенсация. Отправитель: вернуть резерв в money.
// Получатель: no-op, ресурсы не резервировались. Повторный rollback - no-op.
func (s *ShardDb) RollbackTransfer(ctx context.Context, userID int32, amount int64, isDeduct bool, txID string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.orm.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		committed, err := hasPhase(g, txID, userID, models.OpCommit)
		if err != nil {
			return err
		}
		if committed {
			return fmt.Errorf("rollback %s for user %d: already committed", txID, userID)
		}
		first, err := markPhase(g, txID, userID, models.OpRollback, isDeduct, amount)
		if err != nil {
			return err
		}
		if !first || !isDeduct {
			return nil
		}

		res := g.Model(&models.Wallet{}).
			Where("user_id = ? AND held_money >= ?", userID, amount).
			Updates(map[string]interface{}{
				"money":      gorm.Expr("money + ?", amount),
				"held_money": gorm.Expr("held_money - ?", amount),
			})
		if res.Error != nil {
			return fmt.Errorf("restore reserve: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("rollback %s: no hold of %d for user %d", txID, amount, userID)
		}
		log.Printf("rollback ok: tx=%s user=%d amount=%d", txID, userID, amount)
		return nil
	})
}

// PendingOps возвращает prepare-фазы транзакции, не закрытые ни
// commit-ом, ни rollback-ом. Материал для sweeper-а.
func (s *ShardDb) PendingOps(ctx context.Context, txID string) ([]models.TransferOp, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var ops []models.TransferOp
	err := s.orm.WithContext(ctx).
		Where("tx_id = ? AND phase = ?", txID, models.OpPrepare).
		Where("NOT EXISTS (SELECT 1 FROM transfer_ops t WHERE t.tx_id = transfer_ops.tx_id AND t.user_id = transfer_ops.user_id AND t.phase IN ?)",
			[]string{models.OpCommit, models.OpRollback}).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("pending ops for %s: %w", txID, err)
	}
	return ops, nil
}

// RollbackStale откатывает незакрытые prepare-фазы транзакции.
func (s *ShardDb) RollbackStale(ctx context.Context, txID string) (int, error) {
	ops, err := s.PendingOps(ctx, txID)
	if err != nil {
		return 0, err
	}
	rolled := 0
	for _, op := range ops {
		if err := s.RollbackTransfer(ctx, op.UserID, op.Amount, op.IsDeduct, txID); err != nil {
			return rolled, err
		}
		rolled++
	}
	return rolled, nil
}
