package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/modsync/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "pgx", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// migrateUp applies the embedded migrations through driver.
func migrateUp(driverName string, driver database.Driver) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *sqlStore) Record(ctx context.Context, c *Cycle) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("cycle id is required")
	}

	added, err := encodeList(c.Added)
	if err != nil {
		return err
	}
	updated, err := encodeList(c.Updated)
	if err != nil {
		return err
	}
	removed, err := encodeList(c.Removed)
	if err != nil {
		return err
	}
	failed := c.Failed
	if failed == nil {
		failed = map[string]string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}

	query := s.dialect.rebind(`
		INSERT INTO cycles (id, started_at, finished_at, status, added, updated, removed, failed, error, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.StartedAt.UnixMilli(),
		c.FinishedAt.UnixMilli(),
		string(c.Status),
		added,
		updated,
		removed,
		string(failedJSON),
		c.Error,
		int64(c.Generation),
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}
	return nil
}

const selectCycle = `
	SELECT id, started_at, finished_at, status, added, updated, removed, failed, error, generation
	FROM cycles
`

func (s *sqlStore) Get(ctx context.Context, id string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectCycle+" WHERE id = ?"), id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	return c, nil
}

func (s *sqlStore) List(ctx context.Context, limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(selectCycle+" ORDER BY started_at DESC, id DESC LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []*Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return cycles, nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (*Cycle, error) {
	var (
		c                       Cycle
		status                  string
		started, finished, gen  int64
		added, updated, removed string
		failed                  string
	)
	if err := row.Scan(&c.ID, &started, &finished, &status, &added, &updated, &removed, &failed, &c.Error, &gen); err != nil {
		return nil, err
	}

	c.StartedAt = time.UnixMilli(started).UTC()
	c.FinishedAt = time.UnixMilli(finished).UTC()
	c.Status = engine.CycleStatus(status)
	c.Generation = uint64(gen)

	for _, f := range []struct {
		raw string
		dst *[]string
	}{{added, &c.Added}, {updated, &c.Updated}, {removed, &c.Removed}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode module list: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(failed), &c.Failed); err != nil {
		return nil, fmt.Errorf("failed to decode failures: %w", err)
	}
	return &c, nil
}

func encodeList(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("failed to encode module list: %w", err)
	}
	return string(data), nil
}
