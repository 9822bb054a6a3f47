package models

import (
	"time"
)

// User живет в каталоге (account db). shard_id закрепляет пользователя
// за шардом кошелька/сообщений навсегда.
type User struct {
	ID           int32     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"size:60;uniqueIndex;not null" json:"username"`
	ShardID      int32     `gorm:"not null;index" json:"shard_id"`
	Email        *string   `gorm:"size:255" json:"email,omitempty"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// ShardInfo - реестр шардов в каталоге. conninfo непрозрачна для каталога,
// ее интерпретирует db.Open.
type ShardInfo struct {
	ID        int32     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:60;not null" json:"name"`
	Conninfo  string    `gorm:"size:512;not null" json:"conninfo"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ShardInfo) TableName() string {
	return "shards"
}

// Статусы глобальной транзакции. Переход только PENDING -> CONFIRMED
// или PENDING -> CANCELED, терминальные состояния не пересматриваются.
const (
	TxPending   int16 = 0
	TxConfirmed int16 = 1
	TxCanceled  int16 = 2
)

// Transaction - строка глобального леджера в каталоге. Единственный
// источник истины об исходе межшардового перевода.
type Transaction struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Status    int16     `gorm:"not null;index" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Wallet живет на шарде. held_money - зарезервированная на время
// транзакции часть баланса отправителя.
type Wallet struct {
	UserID    int32 `gorm:"primaryKey" json:"user_id"`
	Money     int64 `gorm:"not null;default:0;check:money >= 0" json:"money"`
	HeldMoney int64 `gorm:"not null;default:0;check:held_money >= 0" json:"held_money"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// Message живет на шарде автора, append-only, упорядочена по id внутри комнаты.
type Message struct {
	ID        int32     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID    int64     `gorm:"index;not null" json:"room_id"`
	UserID    int32     `gorm:"index;not null" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Фазы TCC, зафиксированные на шарде.
const (
	OpPrepare  = "prepare"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// TransferOp - запись (tx_id, фаза) на шарде. Делает commit/rollback
// идемпотентными при повторе и дает sweeper-у материал для отката
// зависших PENDING транзакций.
type TransferOp struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TxID      string    `gorm:"size:64;not null;uniqueIndex:transfer_ops_tx_phase,priority:1" json:"tx_id"`
	UserID    int32     `gorm:"not null;uniqueIndex:transfer_ops_tx_phase,priority:2" json:"user_id"`
	Phase     string    `gorm:"size:16;not null;uniqueIndex:transfer_ops_tx_phase,priority:3" json:"phase"`
	IsDeduct  bool      `gorm:"not null" json:"is_deduct"`
	Amount    int64     `gorm:"not null" json:"amount"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TransferOp) TableName() string {
	return "transfer_ops"
}
