package services

import (
	"context"
	"testing"

	"chatshard/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoadMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user := env.createUser(t, "poster", 1)

	require.NoError(t, env.facade.SaveMessage(ctx, user.ID, 42, "hi"))

	msgs := env.facade.LoadMessages(ctx, user.ID, 42)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, user.ID, msgs[0].UserID)
	assert.Equal(t, int64(42), msgs[0].RoomID)

	require.NoError(t, env.facade.SaveMessage(ctx, user.ID, 42, "again"))
	msgs = env.facade.LoadMessages(ctx, user.ID, 42)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
}

func TestLoadMessagesUnreachableShard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// пользователя нет - шард не разрешится
	msgs := env.facade.LoadMessages(ctx, 9999, 42)
	assert.Empty(t, msgs)
}

func TestSaveMessageUnknownUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	err := env.facade.SaveMessage(ctx, 9999, 42, "lost")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateUserProvisionsWallet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	user, err := env.facade.CreateUser(ctx, "fresh", "hash", nil, 2)
	require.NoError(t, err)

	// кошелек заведен на домашнем шарде при создании, а не при
	// первом входящем переводе
	w := env.wallet(t, env.shard2ORM, user.ID)
	assert.Equal(t, int64(0), w.Money)
	assert.Equal(t, int64(0), w.HeldMoney)

	found, err := env.facade.FindUser(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = env.facade.CreateUser(ctx, "fresh", "hash", nil, 1)
	assert.ErrorIs(t, err, db.ErrDuplicate)
}
