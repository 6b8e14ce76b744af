package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^route_updates_\d{8}$`)

// PartitionManager creates the day partitions route_updates needs and
// drops ones past the retention window.
type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

// NewPartitionManager constructs a PartitionManager.
func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{pool: pool, retentionDays: retentionDays, timezone: timezone, logger: logger.Named("audit.partitions")}
}

// Run creates today's and tomorrow's partitions, then drops partitions
// past the retention window.
func (m *PartitionManager) Run(ctx context.Context) error {
	if err := m.CreatePartitions(ctx); err != nil {
		return err
	}
	return m.DropOldPartitions(ctx)
}

// CreatePartitions ensures today's and tomorrow's route_updates partitions exist.
func (m *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.timezone)
	if err != nil {
		return fmt.Errorf("audit: load timezone %q: %w", m.timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	if err := m.createPartition(ctx, today, tomorrow); err != nil {
		return err
	}
	return m.createPartition(ctx, tomorrow, dayAfter)
}

func (m *PartitionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := fmt.Sprintf("route_updates_%s", from.Format("20060102"))
	ident := pgx.Identifier{name}.Sanitize()

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF route_updates FOR VALUES FROM ('%s') TO ('%s')`,
		ident, from.Format(time.RFC3339), to.Format(time.RFC3339),
	)
	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("audit: create partition %s: %w", name, err)
	}

	idxPrefix := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_prefix ON %s (router_addr, peer_addr, prefix_addr, prefix_len)`, name, ident)
	if _, err := m.pool.Exec(ctx, idxPrefix); err != nil {
		return fmt.Errorf("audit: create prefix index on %s: %w", name, err)
	}

	idxTime := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_time ON %s (time_received_ns)`, name, ident)
	if _, err := m.pool.Exec(ctx, idxTime); err != nil {
		return fmt.Errorf("audit: create time index on %s: %w", name, err)
	}

	return nil
}

// DropOldPartitions drops every route_updates_YYYYMMDD partition whose date
// is older than the retention window.
func (m *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.timezone)
	if err != nil {
		return fmt.Errorf("audit: load timezone %q: %w", m.timezone, err)
	}
	cutoff := time.Now().In(loc).AddDate(0, 0, -m.retentionDays)

	rows, err := m.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'route_updates'`)
	if err != nil {
		return fmt.Errorf("audit: list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("audit: scan partition name: %w", err)
		}
		names = append(names, name)
	}

	for _, name := range names {
		if !validPartitionName.MatchString(name) {
			continue
		}
		dateStr := name[len("route_updates_"):]
		day, err := time.ParseInLocation("20060102", dateStr, loc)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			ident := pgx.Identifier{name}.Sanitize()
			if _, err := m.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", ident)); err != nil {
				m.logger.Warn("failed to drop expired partition", zap.String("partition", name), zap.Error(err))
				continue
			}
			m.logger.Info("dropped expired partition", zap.String("partition", name))
		}
	}

	return nil
}
