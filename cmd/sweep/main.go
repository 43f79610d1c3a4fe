package main

import (
	"context"
	"log"
	"time"

	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/billing"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/database"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/env"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/jobqueue"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/payment"
)

// Runs one billing sweep and exits: due invoices, elapsed cancellations and
// elapsed grace periods. Meant for cron or manual runs next to the server's
// built-in periodic sweep.
func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	queue := jobqueue.NewQueue(jobqueue.DefaultWorkers, jobqueue.DefaultQueueSize)
	queue.Start()
	defer queue.Stop()

	store := cache.NewStore(queue,
		cache.NewMemoryTier(8192, 24*time.Hour),
		cache.NewRedisTier(cache.GetClient()),
	)

	db := database.GetDB()
	ents := entitlements.NewService(entitlements.NewRepository(db), store)
	repo := billing.NewRepository(db)
	provider := payment.NoopProvider{}
	sm := billing.NewStateMachine(repo, provider, ents)
	invoices := billing.NewInvoiceTask(repo, provider, sm)
	cancels := billing.NewCancellationTask(sm, invoices)
	sweeper := billing.NewSweeper(repo, invoices, cancels, sm)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := sweeper.Sweep(ctx, time.Now().UTC()); err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	log.Printf("sweep finished in %s", time.Since(start))
}
