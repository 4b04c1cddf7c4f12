package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

type Repository interface {
	Store(ctx context.Context, rec *protocol.TelemetryRecord) error
	Prune(ctx context.Context, cutoff int64) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing history repository at: %s", cfg.DBPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS samples (
            timestamp INTEGER PRIMARY KEY,
            cpu_usage INTEGER,
            cpu_temp INTEGER,
            cpu_fan INTEGER,
            cpu_name TEXT,
            gpu_usage INTEGER,
            gpu_temp INTEGER,
            gpu_name TEXT,
            gpu_mem_used INTEGER,
            gpu_mem_total INTEGER,
            mem_usage INTEGER,
            mem_used REAL,
            mem_total REAL,
            mem_avail REAL
        )
    `)

	return err
}

func (r *sqliteRepository) Store(ctx context.Context, rec *protocol.TelemetryRecord) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO samples (
            timestamp, cpu_usage, cpu_temp, cpu_fan, cpu_name,
            gpu_usage, gpu_temp, gpu_name, gpu_mem_used, gpu_mem_total,
            mem_usage, mem_used, mem_total, mem_avail
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            cpu_usage = excluded.cpu_usage,
            cpu_temp = excluded.cpu_temp,
            cpu_fan = excluded.cpu_fan,
            cpu_name = excluded.cpu_name,
            gpu_usage = excluded.gpu_usage,
            gpu_temp = excluded.gpu_temp,
            gpu_name = excluded.gpu_name,
            gpu_mem_used = excluded.gpu_mem_used,
            gpu_mem_total = excluded.gpu_mem_total,
            mem_usage = excluded.mem_usage,
            mem_used = excluded.mem_used,
            mem_total = excluded.mem_total,
            mem_avail = excluded.mem_avail
    `,
		rec.Timestamp,
		rec.CPU.Usage,
		rec.CPU.Temp,
		rec.CPU.Fan,
		rec.CPU.Name,
		rec.GPU.Usage,
		rec.GPU.Temp,
		rec.GPU.Name,
		rec.GPU.MemUsed,
		rec.GPU.MemTotal,
		rec.Memory.Usage,
		rec.Memory.Used,
		rec.Memory.Total,
		rec.Memory.Avail,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Prune(ctx context.Context, cutoff int64) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM samples WHERE timestamp < ?`, cutoff); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}
