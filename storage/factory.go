package storage

import (
	"context"
	"fmt"
)

// Storage drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a storage backend.
type Options struct {
	Driver   string          `mapstructure:"driver"`
	Redis    RedisOptions    `mapstructure:"redis"`
	Postgres PostgresOptions `mapstructure:"postgres"`
}

// Open builds the backend named by opts.Driver. An empty driver selects
// in-memory storage. The returned close function is never nil.
func Open(ctx context.Context, opts Options) (Storage, func() error, error) {
	noop := func() error { return nil }
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStorage(), noop, nil
	case DriverRedis:
		s, err := NewRedisStorage(opts.Redis)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, opts.Postgres)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnsupportedBackend, opts.Driver)
	}
}
