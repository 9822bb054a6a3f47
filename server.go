package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"chatshard/api/routes"
	"chatshard/chat"
	"chatshard/config"
	"chatshard/db"
	"chatshard/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func main() {
	var configPath string
	var migrate bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	flag.BoolVar(&migrate, "migrate", false, "Create catalog and shard schemas and exit")
	flag.Parse()

	if err := config.LoadConfig(configPath); err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	conf := config.AppConfig
	log.Println("Starting server...")

	orm, err := db.OpenCatalog(conf.Catalog.Conninfo, conf.Catalog.Replicas)
	if err != nil {
		panic("Failed to connect to the catalog: " + err.Error())
	}

	if migrate {
		if err := bootstrapSchemas(orm); err != nil {
			panic("Migration failed: " + err.Error())
		}
		log.Println("Schemas created")
		return
	}

	account := db.NewAccountDB(orm, conf.Shards.OpTimeout())
	router := db.NewDbRouter(account, conf.Shards.OpTimeout())

	// Redis не обязателен: без него роутер просто ходит в каталог
	// на каждый запрос.
	if err := services.InitRedis(); err != nil {
		log.Printf("Redis unavailable, shard map cache disabled: %v", err)
	} else {
		defer services.CloseRedis()
		router.WithCache(services.RedisClient, time.Duration(conf.Redis.ShardMapTTLs)*time.Second)
	}

	facade := services.NewDbFacade(router, conf.Shards.CommitRetries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := services.InitRabbitMQ(); err != nil {
		log.Printf("RabbitMQ unavailable, transfer events disabled: %v", err)
	} else {
		defer services.CloseRabbitMQ()
		if err := services.StartTransferEventConsumer(ctx, "transfer_events_ws"); err != nil {
			log.Printf("Failed to start transfer event consumer: %v", err)
		}
	}

	sweeper := services.NewSweeper(router,
		time.Duration(conf.Sweeper.IntervalS)*time.Second,
		time.Duration(conf.Sweeper.StaleAgeS)*time.Second)
	go sweeper.Run(ctx)

	chatServer := chat.NewServer(facade, chat.DefaultRoomID)
	chatAddr := fmt.Sprintf("%s:%d", conf.Chat.Host, conf.Chat.Port)
	if err := chatServer.Listen(chatAddr); err != nil {
		panic("Failed to start chat server: " + err.Error())
	}
	go func() {
		if err := chatServer.Serve(ctx); err != nil {
			log.Printf("Chat server stopped: %v", err)
		}
	}()

	engine := gin.Default()
	engine.Use(gin.Recovery())
	routes.PublicApi(engine, facade)

	backendAddr := fmt.Sprintf("%s:%d", conf.Backend.Host, conf.Backend.Port)
	if err := engine.Run(backendAddr); err != nil {
		panic(err)
	}
}

// bootstrapSchemas создает схему каталога и схемы всех шардов из
// реестра. Шардов может еще не быть - тогда создается только каталог.
func bootstrapSchemas(orm *gorm.DB) error {
	if err := db.MigrateCatalog(orm); err != nil {
		return err
	}
	account := db.NewAccountDB(orm, 0)
	shards, err := account.ListShards(context.Background())
	if err != nil {
		return err
	}
	for _, info := range shards {
		g, err := db.Open(info.Conninfo)
		if err != nil {
			return fmt.Errorf("open shard %d: %w", info.ID, err)
		}
		if err := db.MigrateShard(g); err != nil {
			return fmt.Errorf("migrate shard %d: %w", info.ID, err)
		}
	}
	return nil
}
