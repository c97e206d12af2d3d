// Package postgres provides a Postgres-backed host state store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StoreConfig controls the Postgres connection pool used for host state rows.
type StoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps one row per host, the state serialized as JSONB. Loaded
// states are cached in memory; Save marks them dirty and Flush upserts
// every dirty host in one pass.
type Store struct {
	pool   pgxPool
	table  string
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*fetch.HostState
	blobs  map[string][]byte
	dirty  map[string]bool
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.postgres_dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "host_states"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, table, logger), nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxPool, table string, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "host_states"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return newStore(pool, table, logger), nil
}

func newStore(pool pgxPool, table string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		table:  table,
		logger: logger,
		states: make(map[string]*fetch.HostState),
		blobs:  make(map[string][]byte),
		dirty:  make(map[string]bool),
	}
}

// Close flushes outstanding state and releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	if err := s.Flush(); err != nil {
		s.logger.Error("flush on close failed", zap.Error(err))
	}
	s.pool.Close()
}

// Load returns the cached state for host, reading it from Postgres on
// first access. A missing or unreadable row yields a fresh state.
func (s *Store) Load(host string) (*fetch.HostState, error) {
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[host]; ok {
		return state, nil
	}

	query := fmt.Sprintf(`SELECT state FROM %s WHERE host = $1`, s.table)
	var raw []byte
	err := s.pool.QueryRow(context.Background(), query, host).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first contact with this host
	case err != nil:
		return nil, fmt.Errorf("load host state %q: %w", host, err)
	default:
		state := fetch.NewHostState(host)
		if jsonErr := json.Unmarshal(raw, state); jsonErr != nil {
			s.logger.Warn("host state row corrupt, reinitializing host",
				zap.String("host", host),
				zap.Error(jsonErr),
			)
		} else {
			state.Host = host
			s.states[host] = state
			return state, nil
		}
	}

	state := fetch.NewHostState(host)
	s.states[host] = state
	return state, nil
}

// Save marks the host's state dirty and flushes it. The state is
// serialized here, while the calling goroutine still owns it, so a flush
// triggered by another host never reads live fields.
func (s *Store) Save(host string, state *fetch.HostState) error {
	if host == "" || state == nil {
		return fmt.Errorf("host and state are required")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal host state %q: %w", host, err)
	}
	s.mu.Lock()
	s.states[host] = state
	s.blobs[host] = blob
	s.dirty[host] = true
	s.mu.Unlock()
	return s.Flush()
}

// RecordDecision notes the decision on the host's state. The mutation is
// flushed with the next Save or Flush.
func (s *Store) RecordDecision(host string, kind fetch.DecisionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[host]
	if !ok {
		state = fetch.NewHostState(host)
		s.states[host] = state
	}
	state.LastDecision = kind
	blob, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn("marshal host state failed, decision not persisted",
			zap.String("host", host),
			zap.Error(err),
		)
		return
	}
	s.blobs[host] = blob
	s.dirty[host] = true
}

// Flush upserts every dirty host row. Hosts that fail to persist stay
// dirty so the next Flush retries them.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return fmt.Errorf("state store is not configured")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (host, state, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (host) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, s.table)

	var firstErr error
	for host := range s.dirty {
		raw, ok := s.blobs[host]
		if !ok {
			delete(s.dirty, host)
			continue
		}
		if _, err := s.pool.Exec(context.Background(), query, host, raw); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert host state %q: %w", host, err)
			}
			continue
		}
		delete(s.dirty, host)
	}
	return firstErr
}
