package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/jhonsfran1165/unprice-sub000/internal/api/v1"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/analytics"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/billing"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/database"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/env"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/guard"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/jobqueue"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/payment"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/router"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/usage"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	queue := jobqueue.NewQueue(jobqueue.DefaultWorkers, jobqueue.DefaultQueueSize)
	queue.Start()

	store := cache.NewStore(queue,
		cache.NewMemoryTier(8192, 24*time.Hour),
		cache.NewRedisTier(cache.GetClient()),
	)

	db := database.GetDB()
	ents := entitlements.NewService(entitlements.NewRepository(db), store)
	events := analytics.NewRedisStore(cache.GetClient())
	meter := usage.NewMeter(usage.NewRepository(db), ents, events, store, queue)

	billingRepo := billing.NewRepository(db)
	provider := paymentProvider()
	sm := billing.NewStateMachine(billingRepo, provider, ents)
	guardSvc := guard.NewGuard(ents, meter, events, queue, sm)
	invoices := billing.NewInvoiceTask(billingRepo, provider, sm)
	cancels := billing.NewCancellationTask(sm, invoices)

	sweeper := billing.NewSweeper(billingRepo, invoices, cancels, sm)
	manager := jobqueue.NewManager(queue, sweeper, time.Minute)
	manager.Start()

	app := fiber.New(fiber.Config{
		AppName: "unprice-sub000",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// ROUTER
	server := apiv1.NewAPIServer(guardSvc, meter, ents, invoices, cancels, sm)
	router.InstallRouter(app, server)

	return app
}

// paymentProvider wires the configured payment port. PAYMENT_METHODS holds a
// comma-separated list of method IDs treated as the customer's stored
// methods; empty means no provider is attached.
func paymentProvider() payment.Provider {
	raw := env.GetEnv("PAYMENT_METHODS", "")
	if raw == "" {
		return payment.NoopProvider{}
	}
	var methods []payment.Method
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		methods = append(methods, payment.Method{ID: id})
	}
	return payment.StaticProvider{Methods: methods}
}
