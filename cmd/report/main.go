package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/config"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/service"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
)

// Prints per-channel disbursement totals for today and yesterday (UTC), or
// for a single -day.
func main() {
	day := flag.String("day", "", "Report a single UTC day (YYYY-MM-DD)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.DBSource == "" {
		log.Fatal("DB_SOURCE environment variable is required")
	}
	pol, err := policy.New(cfg.Limits)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := store.Connect(ctx, cfg.DBSource, 2)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	st := store.NewPostgres(pool, pol)
	defer st.Close()
	svc := service.New(st, pol, service.Options{})

	days := []string{*day}
	if *day == "" {
		now := time.Now()
		days = []string{domain.DayOf(now), domain.DayOf(now.AddDate(0, 0, -1))}
	}

	type dayReport struct {
		Day      string                  `json:"day"`
		Channels []domain.ChannelSummary `json:"channels"`
	}
	var out []dayReport
	for _, d := range days {
		sums, err := svc.Summary(ctx, d)
		if err != nil {
			log.Fatalf("Summary for %s failed: %v", d, err)
		}
		out = append(out, dayReport{Day: d, Channels: sums})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
}
