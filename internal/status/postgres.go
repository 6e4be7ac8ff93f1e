package status

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is a Store for multi-instance deployments. Conditional
// writes are a single UPDATE guarded by the expected version.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects, pings and optionally applies migrations.
func OpenPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*PostgresStore, error) {
	if cfg.AutoMigrate {
		if err := Migrate(cfg.URL, logger); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		logger.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded migrations using golang-migrate's pgx/v5 driver.
func Migrate(databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// migrateURL rewrites a postgres:// URL to the pgx5:// scheme the
// migrate driver registers.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (s *PostgresStore) Create(ctx context.Context, sub core.FileSubmission, rec core.StatusRecord) error {
	errData, resData, err := marshalDetails(rec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin create", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO file_submissions
			(file_id, storage_ref, file_name, format, schema_key, size_bytes, checksum, submitter, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.StorageRef, sub.FileName, string(sub.Format), sub.Schema,
		sub.SizeBytes, sub.Checksum, sub.Submitter, sub.SubmittedAt,
	)
	if err != nil {
		return classify("insert submission", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO file_status
			(file_id, state, version, generation, updated_at, last_event_id, error, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.FileID, string(rec.State), rec.Version, rec.Generation, rec.UpdatedAt,
		rec.LastEventID, errData, resData,
	)
	if err != nil {
		return classify("insert status", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit create", err)
	}
	return nil
}

const selectStatus = `
	SELECT s.file_id, s.state, s.version, s.generation, s.updated_at, s.last_event_id, s.error, s.result
	FROM file_status s`

func (s *PostgresStore) Read(ctx context.Context, fileID string) (core.StatusRecord, error) {
	row := s.pool.QueryRow(ctx, selectStatus+` WHERE s.file_id = $1`, fileID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.StatusRecord{}, core.ErrNotFound
	}
	if err != nil {
		return core.StatusRecord{}, classify("read status", err)
	}
	return rec, nil
}

func (s *PostgresStore) ConditionalWrite(ctx context.Context, fileID string, expectedVersion int64, rec core.StatusRecord) error {
	if err := checkNextVersion(expectedVersion, rec); err != nil {
		return err
	}
	errData, resData, err := marshalDetails(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE file_status
		SET state = $3, version = $4, generation = $5, updated_at = $6,
		    last_event_id = $7, error = $8, result = $9
		WHERE file_id = $1 AND version = $2`,
		fileID, expectedVersion,
		string(rec.State), rec.Version, rec.Generation, rec.UpdatedAt,
		rec.LastEventID, errData, resData,
	)
	if err != nil {
		return classify("update status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_status WHERE file_id = $1)`, fileID).Scan(&exists); err != nil {
		return classify("check status", err)
	}
	if !exists {
		return core.ErrNotFound
	}
	return core.ErrVersionConflict
}

func (s *PostgresStore) GetSubmission(ctx context.Context, fileID string) (core.FileSubmission, error) {
	var sub core.FileSubmission
	var format string
	err := s.pool.QueryRow(ctx, `
		SELECT file_id, storage_ref, file_name, format, schema_key, size_bytes, checksum, submitter, submitted_at
		FROM file_submissions WHERE file_id = $1`, fileID,
	).Scan(&sub.ID, &sub.StorageRef, &sub.FileName, &format, &sub.Schema,
		&sub.SizeBytes, &sub.Checksum, &sub.Submitter, &sub.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.FileSubmission{}, core.ErrNotFound
	}
	if err != nil {
		return core.FileSubmission{}, classify("read submission", err)
	}
	sub.Format = core.Format(format)
	return sub, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]core.StatusRecord, error) {
	query := selectStatus
	var where []string
	var args []any

	if f.Checksum != "" {
		query += ` JOIN file_submissions f ON f.file_id = s.file_id`
		args = append(args, f.Checksum)
		where = append(where, fmt.Sprintf("f.checksum = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("s.state = $%d", len(args)))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		where = append(where, fmt.Sprintf("s.updated_at < $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY s.updated_at, s.file_id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list status", err)
	}
	defer rows.Close()

	var out []core.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan status", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list status", err)
	}
	return out, nil
}

// Ping reports database reachability for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (core.StatusRecord, error) {
	var rec core.StatusRecord
	var state string
	var errData, resData []byte
	if err := row.Scan(&rec.FileID, &state, &rec.Version, &rec.Generation, &rec.UpdatedAt,
		&rec.LastEventID, &errData, &resData); err != nil {
		return rec, err
	}
	rec.State = core.State(state)
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if errData != nil {
		rec.Error = &core.ErrorDetail{}
		if err := json.Unmarshal(errData, rec.Error); err != nil {
			return rec, fmt.Errorf("decode error detail: %w", err)
		}
	}
	if resData != nil {
		rec.Result = &core.ResultSummary{}
		if err := json.Unmarshal(resData, rec.Result); err != nil {
			return rec, fmt.Errorf("decode result: %w", err)
		}
	}
	return rec, nil
}

func marshalDetails(rec core.StatusRecord) (errData, resData []byte, err error) {
	if rec.Error != nil {
		if errData, err = json.Marshal(rec.Error); err != nil {
			return nil, nil, fmt.Errorf("marshal error detail: %w", err)
		}
	}
	if rec.Result != nil {
		if resData, err = json.Marshal(rec.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return errData, resData, nil
}

// classify maps driver errors onto the pipeline taxonomy. Server-side
// errors other than unique violations are permanent; anything that never
// reached the server (network, timeouts) is transient.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return core.Transient(fmt.Errorf("%s: %w", op, err))
}
