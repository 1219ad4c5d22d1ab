package store

import (
	"context"
	"fmt"
	"path/filepath"
)

// Kind names a RecordStore backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

// Options selects and parameterizes a backend.
type Options struct {
	Kind        Kind
	DataDir     string // file and sqlite
	DatabaseURL string // postgres, or an explicit sqlite DSN
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
}

// Open constructs the configured backend. SQL backends create their schema
// and Redis is pinged before returning.
func Open(ctx context.Context, opts Options) (RecordStore, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindFile:
		return NewFileStore(filepath.Join(dataDir(opts), "records"))
	case KindSQLite:
		dsn := opts.DatabaseURL
		if dsn == "" {
			dsn = "file:" + filepath.Join(dataDir(opts), "tel.db")
		}
		return OpenSQL(ctx, DialectSQLite, dsn)
	case KindPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
		return OpenSQL(ctx, DialectPostgres, opts.DatabaseURL)
	case KindRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for redis storage")
		}
		s := NewRedisStore(opts.RedisAddr, opts.RedisPass, opts.RedisDB, opts.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported record store: %s", opts.Kind)
	}
}

func dataDir(opts Options) string {
	if opts.DataDir == "" {
		return "data"
	}
	return opts.DataDir
}
