package audit

import (
	"errors"
	"strings"

	"github.com/processguard/processguard/internal/audit/postgres"
	"github.com/processguard/processguard/internal/audit/sqlite"
)

// NewFromDSN selects a Store implementation based on dsn, mirroring
// provisr's internal/store/factory.NewFromDSN selection rule.
//
//   - postgres:  DSN starting with "postgres://" or "postgresql://"
//   - sqlite: "sqlite://<path>" or a bare filesystem path (default)
func NewFromDSN(dsn string) (Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return postgres.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sqlite.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sqlite.New(d)
}
