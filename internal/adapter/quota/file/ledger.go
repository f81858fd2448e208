// Package file persists the per-session daily usage ledger in a single JSON
// file. Every mutation rewrites the file through a temp-and-rename so a crash
// never leaves a torn ledger, and a restart rebuilds all counters from disk.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

const dateLayout = "2006-01-02"

// Ledger implements domain.QuotaLedger over a JSON file keyed by
// "{session}_{date}". One mutex covers every operation; the expected scale is
// a few hundred sessions per day.
type Ledger struct {
	path   string
	limits domain.ServiceLimits
	now    func() time.Time

	mu   sync.Mutex
	rows map[string]*domain.SessionDailyUsage
}

// New loads the ledger from path, creating the parent directory and starting
// empty when the file does not exist yet.
func New(path string, limits domain.ServiceLimits) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		limits: limits,
		now:    time.Now,
		rows:   make(map[string]*domain.SessionDailyUsage),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		if dir := filepath.Dir(l.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("op=quotafile.load: %w: %v", domain.ErrQuotaIO, err)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=quotafile.load: %w: %v", domain.ErrQuotaIO, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &l.rows); err != nil {
		return fmt.Errorf("op=quotafile.load: corrupt ledger %s: %w", l.path, domain.ErrQuotaIO)
	}
	return nil
}

// persistLocked rewrites the whole file. Callers hold l.mu.
func (l *Ledger) persistLocked() error {
	b, err := json.MarshalIndent(l.rows, "", "  ")
	if err != nil {
		return fmt.Errorf("op=quotafile.persist: %w: %v", domain.ErrQuotaIO, err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("op=quotafile.persist: %w: %v", domain.ErrQuotaIO, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("op=quotafile.persist: %w: %v", domain.ErrQuotaIO, err)
	}
	return nil
}

func (l *Ledger) today() string {
	return l.now().UTC().Format(dateLayout)
}

// rowLocked returns the row for (session, today), creating a zeroed one on
// first sight. Callers hold l.mu.
func (l *Ledger) rowLocked(session string) (*domain.SessionDailyUsage, bool) {
	date := l.today()
	key := session + "_" + date
	if row, ok := l.rows[key]; ok {
		return row, false
	}
	now := l.now().UTC()
	row := &domain.SessionDailyUsage{
		SessionID: session,
		Date:      date,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.rows[key] = row
	return row, true
}

// Check reports whether one more generation of kind is allowed today.
func (l *Ledger) Check(ctx domain.Context, session string, kind domain.ServiceKind) (domain.QuotaDecision, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	row, created := l.rowLocked(session)
	if created {
		if err := l.persistLocked(); err != nil {
			return domain.QuotaDecision{}, err
		}
	}
	return decision(row.Count(kind), l.limits.Limit(kind)), nil
}

// Increment bumps the count for kind after re-checking the cap under the
// same critical section. A failed persist rolls the bump back.
func (l *Ledger) Increment(ctx domain.Context, session string, kind domain.ServiceKind) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	row, _ := l.rowLocked(session)
	limit := l.limits.Limit(kind)
	if row.Count(kind) >= limit {
		return fmt.Errorf("op=quotafile.Increment: %s at %d/%d: %w", kind, row.Count(kind), limit, domain.ErrQuotaExceeded)
	}
	bump(row, kind, 1)
	row.UpdatedAt = l.now().UTC()
	if err := l.persistLocked(); err != nil {
		bump(row, kind, -1)
		return err
	}
	return nil
}

// DailyStats aggregates all sessions for the given date.
func (l *Ledger) DailyStats(ctx domain.Context, date string) (domain.UsageDailyStats, error) {
	_ = ctx
	if _, err := time.Parse(dateLayout, date); err != nil {
		return domain.UsageDailyStats{}, fmt.Errorf("op=quotafile.DailyStats: bad date %q: %w", date, domain.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dailyLocked(date), nil
}

func (l *Ledger) dailyLocked(date string) domain.UsageDailyStats {
	stats := domain.UsageDailyStats{Date: date}
	for _, row := range l.rows {
		if row.Date != date {
			continue
		}
		stats.Sessions++
		stats.ImageTotal += row.ImageCount
		stats.VideoTotal += row.VideoCount
		stats.AvatarTotal += row.AvatarCount
	}
	if stats.Sessions > 0 {
		stats.ImageAverage = float64(stats.ImageTotal) / float64(stats.Sessions)
		stats.VideoAverage = float64(stats.VideoTotal) / float64(stats.Sessions)
	}
	return stats
}

// RangeStats aggregates per date over the inclusive [from, to] range.
func (l *Ledger) RangeStats(ctx domain.Context, from, to string) ([]domain.UsageDailyStats, error) {
	_ = ctx
	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("op=quotafile.RangeStats: bad from %q: %w", from, domain.ErrInvalidRequest)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("op=quotafile.RangeStats: bad to %q: %w", to, domain.ErrInvalidRequest)
	}
	if start.After(end) {
		return nil, fmt.Errorf("op=quotafile.RangeStats: from after to: %w", domain.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.UsageDailyStats
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, l.dailyLocked(d.Format(dateLayout)))
	}
	return out, nil
}

// History returns the session's rows over the trailing days window, ordered
// by date ascending.
func (l *Ledger) History(ctx domain.Context, session string, days int) ([]domain.SessionDailyUsage, error) {
	_ = ctx
	if days <= 0 {
		days = 7
	}
	cutoff := l.now().UTC().AddDate(0, 0, -(days - 1)).Format(dateLayout)

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.SessionDailyUsage
	for _, row := range l.rows {
		if row.SessionID == session && row.Date >= cutoff {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Ping reports whether the ledger's backing directory is still reachable.
// Readiness probes call this, so it stays a single stat.
func (l *Ledger) Ping(ctx domain.Context) error {
	_ = ctx
	dir := filepath.Dir(l.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("op=usage.ping: %w: %v", domain.ErrQuotaIO, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("op=usage.ping: %w: %s is not a directory", domain.ErrQuotaIO, dir)
	}
	return nil
}

// Cleanup removes rows older than retentionDays, returning how many went.
func (l *Ledger) Cleanup(ctx domain.Context, retentionDays int) (int, error) {
	_ = ctx
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays).Format(dateLayout)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, row := range l.rows {
		if row.Date < cutoff {
			delete(l.rows, key)
			removed++
		}
	}
	if removed > 0 {
		if err := l.persistLocked(); err != nil {
			return 0, err
		}
	}
	return removed, nil
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

func bump(row *domain.SessionDailyUsage, kind domain.ServiceKind, delta int) {
	switch kind {
	case domain.ServiceImage:
		row.ImageCount += delta
	case domain.ServiceVideo:
		row.VideoCount += delta
	case domain.ServiceAvatar:
		row.AvatarCount += delta
	}
}
