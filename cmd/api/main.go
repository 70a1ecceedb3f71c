package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/engagement"
	"escrowflow/escrow"
	"escrowflow/settlement"
)

const defaultSweepInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	svc := settlement.NewService(
		pool,
		escrow.NewRepository(pool),
		dispute.NewRepository(pool),
		engagement.NewReader(pool),
		auth.NewPartyAuthorizer(pool),
	)

	interval := defaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("parse SWEEP_INTERVAL: %v", err)
		}
		interval = d
	}

	log.Printf("settlement engine ready, auto-release sweep every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("shutting down")
			return
		case <-ticker.C:
			n, err := svc.AutoReleaseSweep(ctx)
			if err != nil {
				log.Printf("auto-release sweep: %v", err)
			}
			if n > 0 {
				log.Printf("auto-released %d holds", n)
			}
		}
	}
}
