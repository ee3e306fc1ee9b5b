package history

import (
	"context"
	"fmt"
	"strings"
)

// Open selects a backend from dsn:
//
//	sqlite://relative/path.db, sqlite:///abs/path.db, or a bare file path
//	postgres://... or postgresql://...
//
// An empty dsn returns a nil Store and no error.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported history store: %s", dsn)
	default:
		return NewSQLite(ctx, dsn)
	}
}
