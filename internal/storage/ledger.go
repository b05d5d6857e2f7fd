package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/logging"
)

// MotionRecord is one triggered recording session.
type MotionRecord struct {
	ID              uuid.UUID `db:"id"`
	SessionID       uuid.UUID `db:"session_id"`
	At              time.Time `db:"at"`
	CoveragePercent float64   `db:"coverage_percent"`
}

// ShipmentRecord is the outcome of processing one drop-directory file.
type ShipmentRecord struct {
	ID        uuid.UUID `db:"id"`
	Path      string    `db:"path"`
	RemoteKey string    `db:"remote_key"`
	Outcome   string    `db:"outcome"`
	Error     string    `db:"error"`
	At        time.Time `db:"at"`
}

// Ledger is the local history of motion sessions and shipments, backed by
// SQLite on the appliance or PostgreSQL when a shared database is available.
type Ledger struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS motion_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	coverage_percent REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_motion_events_at ON motion_events(at);

CREATE TABLE IF NOT EXISTS shipments (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	remote_key TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shipments_at ON shipments(at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS motion_events (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	coverage_percent DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_motion_events_at ON motion_events(at);

CREATE TABLE IF NOT EXISTS shipments (
	id UUID PRIMARY KEY,
	path TEXT NOT NULL,
	remote_key TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shipments_at ON shipments(at);
`

// OpenLedger connects to the configured database and creates the tables.
func OpenLedger(cfg config.LedgerConfig) (*Ledger, error) {
	var schema string
	switch cfg.Driver {
	case "sqlite":
		schema = sqliteSchema
		if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
			}
		}
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// one connection keeps SQLite writers from tripping over each other
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	l := &Ledger{
		db:     db,
		driver: cfg.Driver,
		logger: logging.L().Named("ledger"),
	}
	if err := l.initSchema(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	l.logger.Debug("Ledger schema ready", zap.String("driver", l.driver))
	return nil
}

// RecordMotion stores a motion session start.
func (l *Ledger) RecordMotion(ctx context.Context, rec MotionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.At = rec.At.UTC()
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO motion_events (id, session_id, at, coverage_percent)
		VALUES (:id, :session_id, :at, :coverage_percent)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record motion event: %w", err)
	}
	return nil
}

// RecordShipment stores the outcome of one Process call.
func (l *Ledger) RecordShipment(ctx context.Context, rec ShipmentRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rec.At = rec.At.UTC()
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO shipments (id, path, remote_key, outcome, error, at)
		VALUES (:id, :path, :remote_key, :outcome, :error, :at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record shipment: %w", err)
	}
	return nil
}

// ListShipments returns the newest shipments first.
func (l *Ledger) ListShipments(ctx context.Context, limit int) ([]ShipmentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ShipmentRecord
	query := l.db.Rebind(`SELECT id, path, remote_key, outcome, error, at FROM shipments ORDER BY at DESC LIMIT ?`)
	if err := l.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list shipments: %w", err)
	}
	return out, nil
}

// ListMotion returns the newest motion sessions first.
func (l *Ledger) ListMotion(ctx context.Context, limit int) ([]MotionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []MotionRecord
	query := l.db.Rebind(`SELECT id, session_id, at, coverage_percent FROM motion_events ORDER BY at DESC LIMIT ?`)
	if err := l.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list motion events: %w", err)
	}
	return out, nil
}

// HealthCheck verifies database connectivity
func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}
