package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/store"
)

// Store is the subset of the store identity needs.
type Store interface {
	CurrentDatabaseID(ctx context.Context) (string, error)
	SetCurrentDatabaseID(ctx context.Context, id string, now time.Time) error
	SaveInstance(ctx context.Context, inst store.Instance) error
}

// Context is the identity of the running instance.
type Context struct {
	InstanceID ir.InstanceID
	DatabaseID string
	System     SystemInfo
}

// Option configures Establish and RegenerateDatabaseID.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Establish computes the instance ID for the store's current database ID
// and info, creating a database ID first if the store has none, and
// records the instance as current. Calling it again with the same inputs
// is a no-op and keeps the instance counter.
func Establish(ctx context.Context, s Store, info SystemInfo, now time.Time, opts ...Option) (Context, error) {
	o := newOptions(opts)
	dbID, err := s.CurrentDatabaseID(ctx)
	if err != nil {
		return Context{}, fmt.Errorf("establish identity: %w", err)
	}
	if dbID == "" {
		dbID = newDatabaseID()
		if err := s.SetCurrentDatabaseID(ctx, dbID, now); err != nil {
			return Context{}, fmt.Errorf("establish identity: %w", err)
		}
		o.logger.Info("created database id", "database_id", dbID)
	}
	return register(ctx, s, dbID, info, now, o.logger)
}

// RegenerateDatabaseID assigns a fresh database ID and establishes the
// instance ID that follows from it. Run it on a database that was copied
// from another instance.
func RegenerateDatabaseID(ctx context.Context, s Store, info SystemInfo, now time.Time, opts ...Option) (Context, error) {
	o := newOptions(opts)
	dbID := newDatabaseID()
	if err := s.SetCurrentDatabaseID(ctx, dbID, now); err != nil {
		return Context{}, fmt.Errorf("regenerate database id: %w", err)
	}
	o.logger.Info("regenerated database id", "database_id", dbID)
	return register(ctx, s, dbID, info, now, o.logger)
}

func register(ctx context.Context, s Store, dbID string, info SystemInfo, now time.Time, logger *slog.Logger) (Context, error) {
	id, err := ir.DeriveInstanceID(dbID, info.SystemID, info.NodeID)
	if err != nil {
		return Context{}, err
	}
	err = s.SaveInstance(ctx, store.Instance{
		ID:         id,
		DatabaseID: dbID,
		SystemID:   info.SystemID,
		NodeID:     info.NodeID,
		Hostname:   info.Hostname,
		CreatedAt:  now,
	})
	if err != nil {
		return Context{}, fmt.Errorf("register instance: %w", err)
	}
	logger.Debug("instance established", "instance", id, "database_id", dbID)
	return Context{InstanceID: id, DatabaseID: dbID, System: info}, nil
}

func newDatabaseID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
