package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"chatshard/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound - строки нет. Отличается от транспортной ошибки БД:
	// оркестратор по этому различию выбирает между отказом и ретраем.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate - нарушение уникальности username.
	ErrDuplicate = errors.New("already exists")
	// ErrTxConflict - попытка перевести леджер из одного терминального
	// статуса в другой. Сигнал бага оркестратора или гонки recovery.
	ErrTxConflict = errors.New("transaction status conflict")
)

// AccountDB - каталог: пользователи, реестр шардов и глобальный леджер.
// gorm-хендл пулится и безопасен для конкурентного использования.
type AccountDB struct {
	orm       *gorm.DB
	opTimeout time.Duration
}

func NewAccountDB(orm *gorm.DB, opTimeout time.Duration) *AccountDB {
	return &AccountDB{orm: orm, opTimeout: opTimeout}
}

func (a *AccountDB) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.opTimeout)
}

// GetUser ищет пользователя по уникальному username.
func (a *AccountDB) GetUser(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var u models.User
	err := a.orm.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return &u, nil
}

// GetShardID возвращает закрепленный за пользователем шард.
func (a *AccountDB) GetShardID(ctx context.Context, userID int32) (int32, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var u models.User
	err := a.orm.WithContext(ctx).Select("shard_id").Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get shard id for user %d: %w", userID, err)
	}
	return u.ShardID, nil
}

func (a *AccountDB) GetShardInfo(ctx context.Context, shardID int32) (*models.ShardInfo, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var s models.ShardInfo
	err := a.orm.WithContext(ctx).Where("id = ?", shardID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shard %d: %w", shardID, err)
	}
	return &s, nil
}

// GetShardForUser - join users -> shards одним запросом по username.
// Путь чтения сообщений его не использует: роутер разрешает шард по
// user id двумя запросами (GetShardID, затем GetShardInfo).
func (a *AccountDB) GetShardForUser(ctx context.Context, username string) (*models.ShardInfo, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var s models.ShardInfo
	err := a.orm.WithContext(ctx).
		Table("users u").
		Select("s.id, s.name, s.conninfo, s.created_at").
		Joins("JOIN shards s ON s.id = u.shard_id").
		Where("u.username = ?", username).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shard for user %q: %w", username, err)
	}
	return &s, nil
}

// CreateUser создает пользователя и возвращает полную строку с
// присвоенным id и created_at. Дубликат username - ErrDuplicate.
func (a *AccountDB) CreateUser(ctx context.Context, username, passwordHash string, email *string, shardID int32) (*models.User, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var exists int64
	err := a.orm.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&exists).Error
	if err != nil {
		return nil, fmt.Errorf("check user %q: %w", username, err)
	}
	if exists > 0 {
		return nil, ErrDuplicate
	}

	u := models.User{
		Username:     username,
		ShardID:      shardID,
		Email:        email,
		PasswordHash: passwordHash,
	}
	if err := a.orm.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	log.Printf("user created: id=%d username=%s shard=%d", u.ID, u.Username, u.ShardID)
	return &u, nil
}

// RegisterShard добавляет шард в реестр. Админская операция, рабочий
// путь реестр только читает.
func (a *AccountDB) RegisterShard(ctx context.Context, id int32, name, conninfo string) (*models.ShardInfo, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	s := models.ShardInfo{ID: id, Name: name, Conninfo: conninfo}
	if err := a.orm.WithContext(ctx).Create(&s).Error; err != nil {
		return nil, fmt.Errorf("register shard %d: %w", id, err)
	}
	return &s, nil
}

func (a *AccountDB) ListShards(ctx context.Context) ([]models.ShardInfo, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var shards []models.ShardInfo
	if err := a.orm.WithContext(ctx).Order("id").Find(&shards).Error; err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	return shards, nil
}

// newTxID генерирует 128-битный случайный токен. Схема
// "секунды эпохи + rand()" из ранних версий под нагрузкой давала
// коллизии и заменена на crypto/rand.
func newTxID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "TX_" + hex.EncodeToString(buf), nil
}

// StartTransaction открывает строку леджера в статусе PENDING и
// возвращает ее токен.
func (a *AccountDB) StartTransaction(ctx context.Context) (string, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	txID, err := newTxID()
	if err != nil {
		return "", fmt.Errorf("generate tx id: %w", err)
	}
	tx := models.Transaction{ID: txID, Status: models.TxPending}
	if err := a.orm.WithContext(ctx).Create(&tx).Error; err != nil {
		return "", fmt.Errorf("start transaction: %w", err)
	}
	log.Printf("transaction started: %s", txID)
	return txID, nil
}

// setTxStatus - условный UPDATE статуса. Повторное применение того же
// терминального статуса успешно, переход между терминальными - ErrTxConflict.
func (a *AccountDB) setTxStatus(ctx context.Context, txID string, target int16) error {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	res := a.orm.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status IN ?", txID, []int16{models.TxPending, target}).
		Update("status", target)
	if res.Error != nil {
		return fmt.Errorf("update transaction %s: %w", txID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var tx models.Transaction
	err := a.orm.WithContext(ctx).Where("id = ?", txID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read transaction %s: %w", txID, err)
	}
	return fmt.Errorf("%w: %s is %d, want %d", ErrTxConflict, txID, tx.Status, target)
}

func (a *AccountDB) CommitTransaction(ctx context.Context, txID string) error {
	if err := a.setTxStatus(ctx, txID, models.TxConfirmed); err != nil {
		return err
	}
	log.Printf("transaction confirmed: %s", txID)
	return nil
}

func (a *AccountDB) CancelTransaction(ctx context.Context, txID string) error {
	if err := a.setTxStatus(ctx, txID, models.TxCanceled); err != nil {
		return err
	}
	log.Printf("transaction canceled: %s", txID)
	return nil
}

func (a *AccountDB) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var tx models.Transaction
	err := a.orm.WithContext(ctx).Where("id = ?", txID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txID, err)
	}
	return &tx, nil
}

// StaleTransactions возвращает PENDING строки старше age - кандидатов
// для recovery sweeper-а.
func (a *AccountDB) StaleTransactions(ctx context.Context, age time.Duration) ([]models.Transaction, error) {
	ctx, cancel := a.withDeadline(ctx)
	defer cancel()

	var txs []models.Transaction
	err := a.orm.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.TxPending, time.Now().Add(-age)).
		Order("created_at").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	return txs, nil
}
