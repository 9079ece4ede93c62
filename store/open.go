// Package store selects and opens the configured ledger.Store.
package store

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/ledger/store"
	"github.com/warp/loyalty-ledger/store/postgres"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

// Opened is a ready store plus what the binaries need around it.
type Opened struct {
	ledger.Store

	// Ping is nil for the memory store.
	Ping  func(ctx context.Context) error
	Close func() error
}

// Open opens the store named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Opened, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &Opened{Store: store.NewMemory(), Close: func() error { return nil }}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Opened{Store: s, Ping: s.Ping, Close: s.Close}, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return &Opened{Store: s, Ping: s.Ping, Close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
