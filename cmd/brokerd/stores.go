package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/order"
	"github.com/uhyunpark/stockmatch/pkg/settlement"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/storage/postgres"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// stores groups the repositories selected by STORE_DRIVER.
type stores struct {
	orders   order.Repository
	accounts account.Repository
	ledger   settlement.AppliedLedger
	close    func()
}

func openStores(ctx context.Context, cfg params.Store, clock util.Clock, log *zap.SugaredLogger) (*stores, error) {
	switch cfg.Driver {
	case "pebble":
		db, err := storage.Open(cfg.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("open pebble %s: %w", cfg.PebblePath, err)
		}
		orders, err := storage.NewOrderStore(db, clock)
		if err != nil {
			db.Close()
			return nil, err
		}
		accounts := storage.NewAccountStore(db, clock)
		return &stores{
			orders:   orders,
			accounts: accounts,
			ledger:   accounts,
			close:    func() { db.Close() },
		}, nil

	case "postgres":
		db, err := postgres.Open(ctx, cfg.PostgresDSN, clock, log)
		if err != nil {
			return nil, err
		}
		accounts := postgres.NewAccountStore(db)
		return &stores{
			orders:   postgres.NewOrderStore(db),
			accounts: accounts,
			ledger:   accounts,
			close:    db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBroker(ctx context.Context, cfg params.Broker, log *zap.SugaredLogger) (broker.Broker, error) {
	switch cfg.Driver {
	case "memory":
		return broker.NewMemory(1024, log), nil
	case "libp2p":
		return broker.NewLibp2p(ctx, broker.Libp2pConfig{
			ListenAddr: cfg.Listen,
			Bootstrap:  cfg.Bootstrap,
			Logger:     log,
		})
	case "redis":
		return broker.NewRedis(ctx, broker.RedisConfig{
			Addr:   cfg.RedisAddr,
			Group:  cfg.RedisGroup,
			Logger: log,
		})
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
