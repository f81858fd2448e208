package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// UsageQuotaHandler reports today's per-service quota for the caller's session.
func (s *Server) UsageQuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		quota, err := s.Usage.QuotaFor(r.Context(), cred.SessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": cred.SessionID,
			"date":       time.Now().UTC().Format("2006-01-02"),
			"quota":      quota,
		})
	}
}

// UsageDailyHandler aggregates usage across sessions for one date. Defaults to
// today in UTC, matching the ledger's day key.
func (s *Server) UsageDailyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if vr := ValidateDate("date", date); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: bad date", domain.ErrInvalidRequest), vr.Errors)
			return
		}
		stats, err := s.Usage.Daily(r.Context(), date)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// UsageRangeHandler aggregates usage per date over an inclusive range.
func (s *Server) UsageRangeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if vr := ValidateDateRange(from, to); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: bad date range", domain.ErrInvalidRequest), vr.Errors)
			return
		}
		rows, err := s.Usage.Range(r.Context(), from, to)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "days": rows})
	}
}

// UsageHistoryHandler returns the caller's usage rows over the trailing days.
func (s *Server) UsageHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		days, vr := QueryInt(r, "days", 7, 1, 90)
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: bad days", domain.ErrInvalidRequest), vr.Errors)
			return
		}
		rows, err := s.Usage.History(r.Context(), cred.SessionID, days)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": cred.SessionID,
			"days":       days,
			"history":    rows,
		})
	}
}
