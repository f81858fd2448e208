// Package postgres implements the daily usage ledger on PostgreSQL. It is
// selected over the file ledger when DB_URL is set, for deployments where
// several gateway replicas must share one quota view.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

const dateLayout = "2006-01-02"

// PgxPool is the minimal subset of pgxpool the ledger needs, kept narrow for
// easy stubbing in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Ledger implements domain.QuotaLedger. Check-and-increment atomicity comes
// from a single conditional upsert per call rather than a transaction.
type Ledger struct {
	Pool   PgxPool
	Limits domain.ServiceLimits
	now    func() time.Time
}

// New constructs the ledger with the given pool and daily limits.
func New(pool PgxPool, limits domain.ServiceLimits) *Ledger {
	return &Ledger{Pool: pool, Limits: limits, now: time.Now}
}

// EnsureSchema creates the usage table when it does not exist yet. Called
// once at startup; there is no separate migration pipeline for one table.
func (l *Ledger) EnsureSchema(ctx domain.Context) error {
	q := `CREATE TABLE IF NOT EXISTS session_daily_usage (
		session_id   TEXT NOT NULL,
		date         TEXT NOT NULL,
		image_count  INT NOT NULL DEFAULT 0,
		video_count  INT NOT NULL DEFAULT 0,
		avatar_count INT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, date)
	)`
	if _, err := l.Pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=usage.ensure_schema: %w: %v", domain.ErrQuotaIO, err)
	}
	if _, err := l.Pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_session_daily_usage_date ON session_daily_usage (date)`); err != nil {
		return fmt.Errorf("op=usage.ensure_schema: %w: %v", domain.ErrQuotaIO, err)
	}
	return nil
}

// countColumn maps a validated service kind onto its counter column. The
// column name is interpolated into SQL, so only these literals ever pass.
func countColumn(kind domain.ServiceKind) (string, error) {
	switch kind {
	case domain.ServiceImage:
		return "image_count", nil
	case domain.ServiceVideo:
		return "video_count", nil
	case domain.ServiceAvatar:
		return "avatar_count", nil
	}
	return "", fmt.Errorf("op=usage.count_column: unknown kind %q: %w", kind, domain.ErrInvalidRequest)
}

func (l *Ledger) today() string {
	return l.now().UTC().Format(dateLayout)
}

// Check reports whether one more generation of kind is allowed today,
// creating the zeroed row on first sight of the (session, date) key.
func (l *Ledger) Check(ctx domain.Context, session string, kind domain.ServiceKind) (domain.QuotaDecision, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Check")
	defer span.End()

	if _, err := countColumn(kind); err != nil {
		return domain.QuotaDecision{}, err
	}
	date := l.today()
	ins := `INSERT INTO session_daily_usage (session_id, date) VALUES ($1, $2) ON CONFLICT (session_id, date) DO NOTHING`
	if _, err := l.Pool.Exec(ctx, ins, session, date); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("op=usage.check: %w: %v", domain.ErrQuotaIO, err)
	}

	var row domain.SessionDailyUsage
	sel := `SELECT image_count, video_count, avatar_count FROM session_daily_usage WHERE session_id=$1 AND date=$2`
	if err := l.Pool.QueryRow(ctx, sel, session, date).Scan(&row.ImageCount, &row.VideoCount, &row.AvatarCount); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("op=usage.check: %w: %v", domain.ErrQuotaIO, err)
	}
	return decision(row.Count(kind), l.Limits.Limit(kind)), nil
}

// Increment bumps the counter for kind. One conditional upsert both
// re-checks the cap and applies the bump; zero affected rows means the cap
// was reached in between.
func (l *Ledger) Increment(ctx domain.Context, session string, kind domain.ServiceKind) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Increment")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "session_daily_usage"),
		attribute.String("usage.kind", string(kind)),
	)

	col, err := countColumn(kind)
	if err != nil {
		return err
	}
	limit := l.Limits.Limit(kind)
	if limit <= 0 {
		return fmt.Errorf("op=usage.increment: %s has no quota: %w", kind, domain.ErrQuotaExceeded)
	}

	q := fmt.Sprintf(`INSERT INTO session_daily_usage (session_id, date, %[1]s) VALUES ($1, $2, 1)
		ON CONFLICT (session_id, date)
		DO UPDATE SET %[1]s = session_daily_usage.%[1]s + 1, updated_at = now()
		WHERE session_daily_usage.%[1]s < $3`, col)
	tag, err := l.Pool.Exec(ctx, q, session, l.today(), limit)
	if err != nil {
		return fmt.Errorf("op=usage.increment: %w: %v", domain.ErrQuotaIO, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=usage.increment: %s at limit %d: %w", kind, limit, domain.ErrQuotaExceeded)
	}
	return nil
}

// DailyStats aggregates all sessions for the given date.
func (l *Ledger) DailyStats(ctx domain.Context, date string) (domain.UsageDailyStats, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.DailyStats")
	defer span.End()

	if _, err := time.Parse(dateLayout, date); err != nil {
		return domain.UsageDailyStats{}, fmt.Errorf("op=usage.daily_stats: bad date %q: %w", date, domain.ErrInvalidRequest)
	}
	q := `SELECT COUNT(*), COALESCE(SUM(image_count),0), COALESCE(SUM(video_count),0), COALESCE(SUM(avatar_count),0)
		FROM session_daily_usage WHERE date=$1`
	stats := domain.UsageDailyStats{Date: date}
	if err := l.Pool.QueryRow(ctx, q, date).Scan(&stats.Sessions, &stats.ImageTotal, &stats.VideoTotal, &stats.AvatarTotal); err != nil {
		return domain.UsageDailyStats{}, fmt.Errorf("op=usage.daily_stats: %w: %v", domain.ErrQuotaIO, err)
	}
	fillAverages(&stats)
	return stats, nil
}

// RangeStats aggregates per date over the inclusive [from, to] range. Dates
// with no usage are absent from the result, unlike the file ledger which
// reports them zeroed; callers render missing days as zero.
func (l *Ledger) RangeStats(ctx domain.Context, from, to string) ([]domain.UsageDailyStats, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.RangeStats")
	defer span.End()

	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("op=usage.range_stats: bad from %q: %w", from, domain.ErrInvalidRequest)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("op=usage.range_stats: bad to %q: %w", to, domain.ErrInvalidRequest)
	}
	if start.After(end) {
		return nil, fmt.Errorf("op=usage.range_stats: from after to: %w", domain.ErrInvalidRequest)
	}

	q := `SELECT date, COUNT(*), COALESCE(SUM(image_count),0), COALESCE(SUM(video_count),0), COALESCE(SUM(avatar_count),0)
		FROM session_daily_usage WHERE date BETWEEN $1 AND $2 GROUP BY date ORDER BY date`
	rows, err := l.Pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=usage.range_stats: %w: %v", domain.ErrQuotaIO, err)
	}
	defer rows.Close()

	var out []domain.UsageDailyStats
	for rows.Next() {
		var s domain.UsageDailyStats
		if err := rows.Scan(&s.Date, &s.Sessions, &s.ImageTotal, &s.VideoTotal, &s.AvatarTotal); err != nil {
			return nil, fmt.Errorf("op=usage.range_stats: %w: %v", domain.ErrQuotaIO, err)
		}
		fillAverages(&s)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=usage.range_stats: %w: %v", domain.ErrQuotaIO, err)
	}
	return out, nil
}

// History returns the session's rows over the trailing days window, ordered
// by date ascending.
func (l *Ledger) History(ctx domain.Context, session string, days int) ([]domain.SessionDailyUsage, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.History")
	defer span.End()

	if days <= 0 {
		days = 7
	}
	cutoff := l.now().UTC().AddDate(0, 0, -(days - 1)).Format(dateLayout)
	q := `SELECT session_id, date, image_count, video_count, avatar_count, created_at, updated_at
		FROM session_daily_usage WHERE session_id=$1 AND date >= $2 ORDER BY date`
	rows, err := l.Pool.Query(ctx, q, session, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=usage.history: %w: %v", domain.ErrQuotaIO, err)
	}
	defer rows.Close()

	var out []domain.SessionDailyUsage
	for rows.Next() {
		var r domain.SessionDailyUsage
		if err := rows.Scan(&r.SessionID, &r.Date, &r.ImageCount, &r.VideoCount, &r.AvatarCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=usage.history: %w: %v", domain.ErrQuotaIO, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=usage.history: %w: %v", domain.ErrQuotaIO, err)
	}
	return out, nil
}

// Ping verifies the database connection with a trivial round trip.
func (l *Ledger) Ping(ctx domain.Context) error {
	var one int
	if err := l.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=usage.ping: %w: %v", domain.ErrQuotaIO, err)
	}
	return nil
}

// Cleanup deletes rows older than retentionDays, returning how many went.
func (l *Ledger) Cleanup(ctx domain.Context, retentionDays int) (int, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Cleanup")
	defer span.End()

	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays).Format(dateLayout)
	tag, err := l.Pool.Exec(ctx, `DELETE FROM session_daily_usage WHERE date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=usage.cleanup: %w: %v", domain.ErrQuotaIO, err)
	}
	return int(tag.RowsAffected()), nil
}

func decision(current, limit int) domain.QuotaDecision {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaDecision{
		Allowed:   current < limit,
		Current:   current,
		Limit:     limit,
		Remaining: remaining,
	}
}

func fillAverages(s *domain.UsageDailyStats) {
	if s.Sessions == 0 {
		return
	}
	s.ImageAverage = float64(s.ImageTotal) / float64(s.Sessions)
	s.VideoAverage = float64(s.VideoTotal) / float64(s.Sessions)
}
