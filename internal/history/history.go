// Package history optionally archives every transmitted telemetry record
// to a local sqlite database, so dropped frames during disconnects can be
// reviewed later.
package history

import (
	"context"
	"time"

	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"
)

type Config struct {
	Enabled bool
	DBPath  string
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

// Archiver stores transmitted records.
type Archiver interface {
	Record(ctx context.Context, rec *protocol.TelemetryRecord) error
	Prune(ctx context.Context, olderThan time.Duration) error
	Close() error
}

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopArchiver struct{}

func NewService(cfg Config) (Archiver, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("History archiving disabled, using no-op archiver")
		return &noopArchiver{}, nil
	}

	repo, err := NewRepository(cfg)
	if err != nil {
		return nil, err // Already wrapped with appropriate error
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Msg("History service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, rec *protocol.TelemetryRecord) error {
	errFactory := errors.New()

	if rec == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Store(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

func (s *service) Prune(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).Unix()
	return s.repo.Prune(ctx, cutoff)
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopArchiver) Record(_ context.Context, _ *protocol.TelemetryRecord) error {
	return nil
}

func (*noopArchiver) Prune(_ context.Context, _ time.Duration) error {
	return nil
}

func (*noopArchiver) Close() error {
	return nil
}
