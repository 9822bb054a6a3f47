package services

import (
	"context"
	"log"

	"chatshard/db"
	"chatshard/models"
)

// DbFacade - тонкий фасад над роутером: операции с пользователями,
// сообщениями и перевод денег. Сообщения физически живут на шарде
// автора; комната может быть размазана по шардам, чтение отдает
// только шард вызывающего.
type DbFacade struct {
	router *db.DbRouter
	orch   *Orchestrator
}

func NewDbFacade(router *db.DbRouter, commitRetries int) *DbFacade {
	return &DbFacade{
		router: router,
		orch:   NewOrchestrator(router, commitRetries),
	}
}

func (f *DbFacade) FindUser(ctx context.Context, username string) (*models.User, error) {
	return f.router.GetUser(ctx, username)
}

// CreateUser создает пользователя в каталоге и сразу заводит пустой
// кошелек на его домашнем шарде, чтобы жизнь кошелька не начиналась
// с первого входящего перевода. Сбой провижининга не фатален:
// prepare на стороне получателя досоздаст кошелек.
func (f *DbFacade) CreateUser(ctx context.Context, username, passwordHash string, email *string, shardID int32) (*models.User, error) {
	u, err := f.router.AccountDb().CreateUser(ctx, username, passwordHash, email, shardID)
	if err != nil {
		return nil, err
	}
	f.router.InvalidateShard(ctx, u.ID)

	if shard, err := f.router.GetShardForUser(ctx, u.ID); err != nil {
		log.Printf("facade: wallet provisioning skipped for user %d: %v", u.ID, err)
	} else if err := shard.EnsureWallet(ctx, u.ID); err != nil {
		log.Printf("facade: wallet provisioning failed for user %d: %v", u.ID, err)
	}
	return u, nil
}

// SaveMessage кладет сообщение на шард отправителя.
func (f *DbFacade) SaveMessage(ctx context.Context, userID int32, roomID int64, content string) error {
	shard, err := f.router.GetShardForUser(ctx, userID)
	if err != nil {
		return err
	}
	return shard.InsertMessage(ctx, roomID, userID, content)
}

// LoadMessages читает сообщения комнаты с шарда пользователя.
// Недоступный шард - пустой список.
func (f *DbFacade) LoadMessages(ctx context.Context, userID int32, roomID int64) []models.Message {
	shard, err := f.router.GetShardForUser(ctx, userID)
	if err != nil {
		return []models.Message{}
	}
	msgs, err := shard.Messages(ctx, roomID)
	if err != nil {
		log.Printf("facade: load messages for user %d room %d: %v", userID, roomID, err)
		return []models.Message{}
	}
	return msgs
}

func (f *DbFacade) TransferMoney(ctx context.Context, from, to string, amount int64) TransferResult {
	return f.orch.TransferMoney(ctx, from, to, amount)
}
