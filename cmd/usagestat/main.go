// Command usagestat prints quota ledger statistics. It reads the same
// configuration as the server, so it works against the JSON file ledger or,
// with DB_URL set, the shared postgres ledger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	quotafile "github.com/fairyhunter13/jimeng-gateway/internal/adapter/quota/file"
	quotapg "github.com/fairyhunter13/jimeng-gateway/internal/adapter/quota/postgres"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

func main() {
	var (
		date    = flag.String("date", "", "daily stats for YYYY-MM-DD (default today, UTC)")
		from    = flag.String("from", "", "range start YYYY-MM-DD")
		to      = flag.String("to", "", "range end YYYY-MM-DD")
		session = flag.String("session", "", "print history for this session id instead of aggregates")
		days    = flag.Int("days", 7, "trailing days for -session history")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLedger()

	switch {
	case *session != "":
		rows, err := ledger.History(ctx, *session, *days)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(rows)
	case *from != "" || *to != "":
		if *from == "" || *to == "" {
			log.Fatal("both -from and -to are required for a range")
		}
		stats, err := ledger.RangeStats(ctx, *from, *to)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(stats)
	default:
		d := *date
		if d == "" {
			d = time.Now().UTC().Format("2006-01-02")
		}
		stats, err := ledger.DailyStats(ctx, d)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(stats)
	}
}

func openLedger(ctx context.Context, cfg config.Config) (domain.QuotaLedger, func(), error) {
	limits := domain.ServiceLimits{
		Image:  cfg.DailyLimitImage,
		Video:  cfg.DailyLimitVideo,
		Avatar: cfg.DailyLimitAvatar,
	}
	if cfg.DBURL != "" {
		pool, err := quotapg.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, err
		}
		return quotapg.New(pool, limits), pool.Close, nil
	}
	l, err := quotafile.New(cfg.UsageFile, limits)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}
