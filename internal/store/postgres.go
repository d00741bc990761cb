package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/blueberrycongee/credmux/internal/credential"
)

// PostgresStore implements Store using PostgreSQL. Credentials are kept
// as JSONB payloads keyed by id; bans, blacklists, and samples use
// narrow relational tables.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "credmux",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store and ensures the schema.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bans (
			borrower_id TEXT PRIMARY KEY,
			until_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			offenses INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS blacklists (
			credential_id TEXT NOT NULL,
			borrower_id TEXT NOT NULL,
			PRIMARY KEY (credential_id, borrower_id)
		)`,
		`CREATE TABLE IF NOT EXISTS borrow_samples (
			borrower_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_borrow_samples_borrower
			ON borrow_samples (borrower_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE id = $1`, id,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	var cred credential.Credential
	if err := json.Unmarshal(record, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM credentials ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*credential.Credential
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		var cred credential.Credential
		if err := json.Unmarshal(record, &cred); err != nil {
			return nil, fmt.Errorf("decode credential: %w", err)
		}
		result = append(result, &cred)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred *credential.Credential) error {
	record, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, record, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		cred.ID, record,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blacklists WHERE credential_id = $1`, id); err != nil {
		return fmt.Errorf("delete credential blacklist: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBan(ctx context.Context, borrowerID string) (*BanRecord, error) {
	ban := BanRecord{BorrowerID: borrowerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT until_at, reason, offenses, created_at, updated_at
		 FROM bans WHERE borrower_id = $1`, borrowerID,
	).Scan(&ban.Until, &ban.Reason, &ban.Offenses, &ban.CreatedAt, &ban.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ban: %w", err)
	}
	return &ban, nil
}

func (s *PostgresStore) UpsertBan(ctx context.Context, ban *BanRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans (borrower_id, until_at, reason, offenses, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (borrower_id) DO UPDATE SET
			until_at = EXCLUDED.until_at,
			reason = EXCLUDED.reason,
			offenses = EXCLUDED.offenses,
			updated_at = now()`,
		ban.BorrowerID, ban.Until, ban.Reason, ban.Offenses,
	)
	if err != nil {
		return fmt.Errorf("upsert ban: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBan(ctx context.Context, borrowerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE borrower_id = $1`, borrowerID); err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlacklist(ctx context.Context, credID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT borrower_id FROM blacklists WHERE credential_id = $1 ORDER BY borrower_id`,
		credID,
	)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var borrowerID string
		if err := rows.Scan(&borrowerID); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		result = append(result, borrowerID)
	}
	return result, rows.Err()
}

func (s *PostgresStore) IsBlacklisted(ctx context.Context, credID, borrowerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blacklists WHERE credential_id = $1 AND borrower_id = $2)`,
		credID, borrowerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blacklist membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddBlacklist(ctx context.Context, credID, borrowerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklists (credential_id, borrower_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		credID, borrowerID,
	)
	if err != nil {
		return fmt.Errorf("add blacklist: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveBlacklist(ctx context.Context, credID, borrowerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blacklists WHERE credential_id = $1 AND borrower_id = $2`,
		credID, borrowerID,
	)
	if err != nil {
		return fmt.Errorf("remove blacklist: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSamples(ctx context.Context, borrowerID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at FROM borrow_samples WHERE borrower_id = $1 ORDER BY at`,
		borrowerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Sample
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(&sample.At); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		result = append(result, sample)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PutSamples(ctx context.Context, borrowerID string, samples []Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put samples: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM borrow_samples WHERE borrower_id = $1`, borrowerID,
	); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}
	for _, sample := range samples {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO borrow_samples (borrower_id, at) VALUES ($1, $2)`,
			borrowerID, sample.At,
		); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}
