package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal health-probe interface of a quota ledger backend.
// Both the file and postgres ledgers implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the ledger and redis readiness probes for the
// /readyz handler. The redis probe is nil when no client is configured; the
// handler skips nil checks.
func BuildReadinessChecks(ledger Pinger, rdb *redis.Client) (func(ctx context.Context) error, func(ctx context.Context) error) {
	ledgerCheck := func(ctx context.Context) error {
		if ledger == nil {
			return fmt.Errorf("quota ledger not configured")
		}
		return ledger.Ping(ctx)
	}
	if rdb == nil {
		return ledgerCheck, nil
	}
	redisCheck := func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	return ledgerCheck, redisCheck
}
