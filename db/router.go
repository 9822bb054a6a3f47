package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"chatshard/models"

	"github.com/go-redis/redis/v8"
)

// shardRoute - кэшируемая часть маппинга user -> shard.
type shardRoute struct {
	ShardID  int32  `json:"shard_id"`
	Conninfo string `json:"conninfo"`
}

// DbRouter разрешает user -> шард и открывает сессии шардов по
// требованию. Владеет хендлом каталога; оркестратор одалживает его
// через AccountDb() на время перевода.
type DbRouter struct {
	account   *AccountDB
	opTimeout time.Duration

	// cache == nil - кэш маппинга выключен. Кэшируется только
	// маппинг user -> shard, никогда не состояние кошельков.
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewDbRouter(account *AccountDB, opTimeout time.Duration) *DbRouter {
	return &DbRouter{account: account, opTimeout: opTimeout}
}

// WithCache включает TTL-кэш маппинга user -> shard. Записи
// инвалидируются при создании пользователя (InvalidateShard).
func (r *DbRouter) WithCache(client *redis.Client, ttl time.Duration) *DbRouter {
	r.cache = client
	r.cacheTTL = ttl
	return r
}

func (r *DbRouter) GetUser(ctx context.Context, username string) (*models.User, error) {
	return r.account.GetUser(ctx, username)
}

// AccountDb отдает хендл каталога. Вызывающий не удерживает его
// дольше одного вызова - роутер не делит владение.
func (r *DbRouter) AccountDb() *AccountDB {
	return r.account
}

func shardMapKey(userID int32) string {
	return fmt.Sprintf("shard_map:%d", userID)
}

func (r *DbRouter) routeFor(ctx context.Context, userID int32) (*shardRoute, error) {
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, shardMapKey(userID)).Result(); err == nil {
			var route shardRoute
			if err := json.Unmarshal([]byte(raw), &route); err == nil {
				return &route, nil
			}
			// битая запись - выбрасываем и идем в каталог
			r.cache.Del(ctx, shardMapKey(userID))
		}
	}

	shardID, err := r.account.GetShardID(ctx, userID)
	if err != nil {
		return nil, err
	}
	info, err := r.account.GetShardInfo(ctx, shardID)
	if err != nil {
		return nil, err
	}
	route := &shardRoute{ShardID: info.ID, Conninfo: info.Conninfo}

	if r.cache != nil {
		if raw, err := json.Marshal(route); err == nil {
			r.cache.Set(ctx, shardMapKey(userID), raw, r.cacheTTL)
		}
	}
	return route, nil
}

// GetShardForUser находит шард пользователя в каталоге и открывает
// сессию. Любой сбой поиска - предусловие не выполнено, вызывающий
// обязан прервать операцию.
func (r *DbRouter) GetShardForUser(ctx context.Context, userID int32) (*ShardDb, error) {
	route, err := r.routeFor(ctx, userID)
	if err != nil {
		log.Printf("router: no shard route for user %d: %v", userID, err)
		return nil, fmt.Errorf("resolve shard for user %d: %w", userID, err)
	}
	shard, err := OpenShard(route.Conninfo, r.opTimeout)
	if err != nil {
		log.Printf("router: open shard %d failed: %v", route.ShardID, err)
		return nil, fmt.Errorf("open shard %d: %w", route.ShardID, err)
	}
	return shard, nil
}

// InvalidateShard сбрасывает кэш маппинга для пользователя.
func (r *DbRouter) InvalidateShard(ctx context.Context, userID int32) {
	if r.cache != nil {
		r.cache.Del(ctx, shardMapKey(userID))
	}
}
