package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/lib/pq"

	"go-hrfsring/coord"
	"go-hrfsring/coord/etcdcoord"
	"go-hrfsring/coord/memory"
	"go-hrfsring/coord/pgcoord"
)

// backend is an opened coordination backend.
type backend struct {
	connector coord.Connector
	close     func() error
}

func openBackend(ctx context.Context, s settings, logger *slog.Logger) (*backend, error) {
	switch s.Backend {
	case backendMemory:
		return &backend{connector: memory.NewServer(), close: func() error { return nil }}, nil

	case backendEtcd:
		var service, err = etcdcoord.New(ctx, s.EtcdEndpoints,
			etcdcoord.WithLogger(logger),
			etcdcoord.WithNamespace(s.EtcdNamespace),
			etcdcoord.WithSessionTTL(s.SessionTTL))
		if err != nil {
			return nil, err
		}
		return &backend{connector: service, close: service.Close}, nil

	case backendPostgres:
		var db, err = sql.Open("postgres", s.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		service, err := pgcoord.New(ctx, db, s.DatabaseURL,
			pgcoord.WithLogger(logger),
			pgcoord.WithTableName(s.TableName),
			pgcoord.WithSessionTTL(s.SessionTTL))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{connector: service, close: func() error {
			var err = service.Close()
			_ = db.Close()
			return err
		}}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

// trackingConnector remembers the latest session so it can be dropped on
// demand, simulating a lost connection.
type trackingConnector struct {
	coord.Connector

	mu   sync.Mutex
	last coord.Session
}

func (c *trackingConnector) Connect(ctx context.Context) (coord.Session, error) {
	var session, err = c.Connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.last = session
	c.mu.Unlock()
	return session, nil
}

// drop closes the latest session.
func (c *trackingConnector) drop() error {
	c.mu.Lock()
	var session = c.last
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}
