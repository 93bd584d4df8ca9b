package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mfloren/nzbstream/internal/domain"
)

// SettingsStore persists the ordered provider list. The surrounding
// system edits providers through the web API; this is where those edits
// live between restarts.
type SettingsStore struct {
	db       *sql.DB
	postgres bool
}

// Open connects the settings database. A postgres:// DSN selects the pgx
// driver; anything else is treated as a sqlite file path.
func Open(dsn string) (*SettingsStore, error) {
	var db *sql.DB
	var err error
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	if postgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
	} else {
		// Ensure the database directory exists
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		db, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
	}

	// Ping makes sure the DSN is actually usable
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to settings database: %w", err)
	}

	store := &SettingsStore{db: db, postgres: postgres}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate settings database: %w", err)
	}

	return store, nil
}

func (s *SettingsStore) Close() error {
	return s.db.Close()
}

// LoadProviders returns the stored provider list in position order.
func (s *SettingsStore) LoadProviders(ctx context.Context) ([]domain.ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, host, port, use_ssl, username, password, max_connections
		FROM providers
		ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ProviderRecord
	for rows.Next() {
		var dbo providerDBO
		if err := rows.Scan(&dbo.Name, &dbo.Host, &dbo.Port, &dbo.UseSSL,
			&dbo.Username, &dbo.Password, &dbo.MaxConnections); err != nil {
			return nil, err
		}
		records = append(records, dbo.ToDomain())
	}

	return records, rows.Err()
}

// ReplaceProviders swaps the entire stored list in one transaction,
// preserving the given order.
func (s *SettingsStore) ReplaceProviders(ctx context.Context, providers []domain.ProviderRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM providers`); err != nil {
		return err
	}

	insert := `INSERT INTO providers (position, name, host, port, use_ssl, username, password, max_connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.postgres {
		insert = `INSERT INTO providers (position, name, host, port, use_ssl, username, password, max_connections)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	}

	for i, p := range providers {
		var dbo providerDBO
		dbo.FromDomain(p.Normalize())

		if _, err := tx.ExecContext(ctx, insert, i,
			dbo.Name, dbo.Host, dbo.Port, dbo.UseSSL,
			dbo.Username, dbo.Password, dbo.MaxConnections); err != nil {
			return err
		}
	}

	return tx.Commit()
}
