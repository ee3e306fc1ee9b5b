package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres connects to the Postgres database at dsn and applies
// migrations.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	if err := migrateUp(dialectPostgres.name, driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{db: db, dialect: dialectPostgres}, nil
}
