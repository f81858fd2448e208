package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// UsageService exposes quota introspection and ledger retention.
type UsageService struct {
	Ledger domain.QuotaLedger
}

// NewUsageService constructs a UsageService.
func NewUsageService(ledger domain.QuotaLedger) UsageService {
	return UsageService{Ledger: ledger}
}

// QuotaFor reports today's allowance per service kind for a session.
func (s UsageService) QuotaFor(ctx domain.Context, session string) (map[domain.ServiceKind]domain.QuotaDecision, error) {
	kinds := []domain.ServiceKind{domain.ServiceImage, domain.ServiceVideo, domain.ServiceAvatar}
	out := make(map[domain.ServiceKind]domain.QuotaDecision, len(kinds))
	for _, kind := range kinds {
		dec, err := s.Ledger.Check(ctx, session, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = dec
	}
	return out, nil
}

// Daily aggregates all sessions for one date.
func (s UsageService) Daily(ctx domain.Context, date string) (domain.UsageDailyStats, error) {
	return s.Ledger.DailyStats(ctx, date)
}

// Range aggregates per date over the inclusive [from, to] window.
func (s UsageService) Range(ctx domain.Context, from, to string) ([]domain.UsageDailyStats, error) {
	return s.Ledger.RangeStats(ctx, from, to)
}

// History returns the session's rows over the trailing N days.
func (s UsageService) History(ctx domain.Context, session string, days int) ([]domain.SessionDailyUsage, error) {
	return s.Ledger.History(ctx, session, days)
}

// RunCleanup blocks, pruning ledger rows past the retention window on each
// interval until ctx ends.
func (s UsageService) RunCleanup(ctx domain.Context, interval time.Duration, retentionDays int) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("usage cleanup stopping")
			return
		case <-ticker.C:
			removed, err := s.Ledger.Cleanup(ctx, retentionDays)
			if err != nil {
				slog.Error("usage cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				slog.Info("usage rows pruned", slog.Int("removed", removed), slog.Int("retention_days", retentionDays))
			}
		}
	}
}
