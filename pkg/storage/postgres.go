package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/opscart/kube-cost/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const insertRecordQuery = `
	INSERT INTO cost_records (
		id, cluster, namespace, pod, pod_uid, owner, node,
		window_start, window_end, usage_cost, wastage_cost,
		usage_basis, price_stale
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (cluster, pod_uid, window_start) DO NOTHING
`

const listRecordsQuery = `
	SELECT id, cluster, namespace, pod, pod_uid, owner, node,
		window_start, window_end, usage_cost, wastage_cost,
		usage_basis, price_stale, created_at
	FROM cost_records
	WHERE namespace = $1
	ORDER BY window_end DESC, pod ASC
	LIMIT $2
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, checks the connection and applies migrations.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate applies the embedded schema files in name order. Every file is
// idempotent.
func (s *PostgresStore) migrate(ctx context.Context) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}
	for _, name := range files {
		schema, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", name, err)
		}
	}
	return nil
}

func migrationFiles() ([]string, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Write inserts records in one transaction. Records already stored for the
// same (cluster, pod UID, window start) are left untouched.
func (s *PostgresStore) Write(ctx context.Context, records []models.CostRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecordQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, recordArgs(uuid.New(), record)...); err != nil {
			return fmt.Errorf("failed to insert record for pod %s/%s: %w",
				record.Pod.Namespace, record.Pod.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

func recordArgs(id uuid.UUID, r models.CostRecord) []interface{} {
	return []interface{}{
		id.String(), r.ClusterName, r.Pod.Namespace, r.Pod.Name, r.Pod.UID, r.Owner, r.NodeID,
		r.WindowStart.UTC(), r.WindowEnd.UTC(), r.UsageCost, r.WastageCost,
		string(r.UsageBasis), r.PriceStale,
	}
}

// ListRecords returns the most recent records of a namespace, newest first.
func (s *PostgresStore) ListRecords(ctx context.Context, namespace string, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, listRecordsQuery, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var basis string
		err := rows.Scan(
			&rec.ID, &rec.ClusterName, &rec.Pod.Namespace, &rec.Pod.Name, &rec.Pod.UID,
			&rec.Owner, &rec.NodeID, &rec.WindowStart, &rec.WindowEnd,
			&rec.UsageCost, &rec.WastageCost, &basis, &rec.PriceStale, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Namespace = rec.Pod.Namespace
		rec.UsageBasis = models.UsageBasis(basis)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
