package db

import (
	"fmt"
	"strings"

	"chatshard/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

// dialectorFor выбирает драйвер по conninfo. Строка вида
// "sqlite:file:shard1?..." открывает sqlite, все остальное - postgres.
// Conninfo хранится в каталоге как непрозрачная строка.
func dialectorFor(conninfo string) gorm.Dialector {
	if dsn, ok := strings.CutPrefix(conninfo, "sqlite:"); ok {
		return sqlite.Open(dsn)
	}
	return postgres.Open(conninfo)
}

// Open открывает gorm-сессию по conninfo из реестра шардов или конфига.
func Open(conninfo string) (*gorm.DB, error) {
	g, err := gorm.Open(dialectorFor(conninfo), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
			NoLowerCase:   false,
		},
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", conninfo, err)
	}
	return g, nil
}

// OpenCatalog открывает соединение с каталогом, при наличии реплик
// регистрирует их для чтения через dbresolver.
func OpenCatalog(conninfo string, replicas []string) (*gorm.DB, error) {
	g, err := Open(conninfo)
	if err != nil {
		return nil, err
	}

	if len(replicas) > 0 {
		replicaDialectors := make([]gorm.Dialector, 0, len(replicas))
		for _, r := range replicas {
			replicaDialectors = append(replicaDialectors, dialectorFor(r))
		}
		err = g.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicaDialectors,
			Policy:   dbresolver.RandomPolicy{},
		}))
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// MigrateCatalog создает схему каталога: users, shards, transactions.
func MigrateCatalog(g *gorm.DB) error {
	return g.AutoMigrate(&models.User{}, &models.ShardInfo{}, &models.Transaction{})
}

// MigrateShard создает схему шарда: wallets, messages, transfer_ops.
func MigrateShard(g *gorm.DB) error {
	return g.AutoMigrate(&models.Wallet{}, &models.Message{}, &models.TransferOp{})
}
