package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	"github.com/dmehra2102/storefront-checkout/internal/config"
	guestapp "github.com/dmehra2102/storefront-checkout/internal/guest/application"
	guesthttp "github.com/dmehra2102/storefront-checkout/internal/guest/infrastructure/http"
	guestkafka "github.com/dmehra2102/storefront-checkout/internal/guest/infrastructure/kafka"
	guestpg "github.com/dmehra2102/storefront-checkout/internal/guest/infrastructure/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/identity"
	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventorygrpc "github.com/dmehra2102/storefront-checkout/internal/inventory/infrastructure/grpc"
	inventorypg "github.com/dmehra2102/storefront-checkout/internal/inventory/infrastructure/postgres"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	orderhttp "github.com/dmehra2102/storefront-checkout/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/storefront-checkout/internal/order/infrastructure/kafka"
	orderpg "github.com/dmehra2102/storefront-checkout/internal/order/infrastructure/postgres"
	paymentapp "github.com/dmehra2102/storefront-checkout/internal/payment/application"
	"github.com/dmehra2102/storefront-checkout/internal/payment/gateway"
	paymenthttp "github.com/dmehra2102/storefront-checkout/internal/payment/infrastructure/http"
	paymentpg "github.com/dmehra2102/storefront-checkout/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/payment/webhook"
	"github.com/dmehra2102/storefront-checkout/internal/platform/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/store/memory"
	"github.com/dmehra2102/storefront-checkout/pkg/idempotency"
	"github.com/dmehra2102/storefront-checkout/pkg/logging"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
	"github.com/dmehra2102/storefront-checkout/pkg/shutdown"
	"github.com/dmehra2102/storefront-checkout/pkg/tracing"
)

const (
	identityTTL     = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)

	ctx, cancel := shutdown.WithSignals(context.Background())
	err = run(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Error("checkout-service stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("checkout-service shutdown complete")
}

// backends are the storage ports, served by postgres or the in-memory store.
type backends struct {
	orders     orderapp.Store
	invites    guestapp.Store
	catalog    orderapp.Catalog
	stock      inventoryapp.StockReader
	deliveries paymentapp.DeliveryStore
	outbox     outbox.Store
	close      func()
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	if cfg.StorageDriver == config.DriverMemory {
		log.Warn("using in-memory storage; state is lost on exit")
		mem := memory.New()
		return &backends{
			orders:     mem.Orders(),
			invites:    mem.Invites(),
			catalog:    mem,
			stock:      mem,
			deliveries: mem,
			outbox:     mem,
			close:      func() {},
		}, nil
	}

	pool, err := postgres.Open(ctx, cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}
	catalog := inventorypg.NewCatalog(log, pool)
	return &backends{
		orders:     orderpg.NewRepository(log, pool),
		invites:    guestpg.NewInviteRepository(log, pool),
		catalog:    catalog,
		stock:      catalog,
		deliveries: paymentpg.NewDeliveryRepository(log, pool),
		outbox:     postgres.NewOutboxStore(log, pool),
		close:      pool.Close,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTelEndpoint, log)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	store, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	var idem *idempotency.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		idem = idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	} else {
		log.Warn("REDIS_ADDR not set; webhook fast-path dedup disabled")
	}

	guard := access.NewGuard(log, store.orders)
	payments := gateway.NewClient(log, gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		IntegrationID: cfg.Gateway.IntegrationID,
		IframeID:      cfg.Gateway.IframeID,
		Timeout:       cfg.Gateway.Timeout,
	})
	orders := orderapp.NewService(log, store.orders, store.catalog, payments, guard,
		inventoryapp.NewLedger(log), orderapp.WithTimeout(cfg.OperationTimeout))
	bridge := guestapp.NewBridge(log, store.invites, guestapp.NewLogNotifier(log), guestapp.WithTTL(cfg.InviteTTL))

	verifier := webhook.NewVerifier(cfg.Gateway.HMACSecret,
		webhook.WithFields(cfg.Gateway.HMACFields),
		webhook.WithAlgorithm(cfg.Gateway.HMACAlgorithm))
	var dedup paymentapp.Deduper
	if idem != nil {
		dedup = idem
	}
	webhooks := paymentapp.NewWebhookService(log, store.deliveries, verifier, orders, dedup)

	issuer := identity.NewIssuer(cfg.JWTSecret, identityTTL)
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	paymenthttp.NewHandler(log, webhooks).Mount(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(issuer, log))
		orderhttp.NewHandler(log, orders, guard).Mount(r)
		guesthttp.NewHandler(log, bridge, guard).Mount(r)
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2*cfg.Gateway.Timeout + cfg.OperationTimeout,
	}

	gs, err := inventorygrpc.Run(log, cfg.GRPCAddr, inventorygrpc.NewServer(log, store.stock))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		gs.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("KAFKA_BROKERS not set; outbox relay and invite consumer disabled")
		return g.Wait()
	}

	writer := orderkafka.NewWriter(cfg.KafkaBrokers, cfg.OutboxTopic)
	defer writer.Close()
	relay := outbox.NewRelay(log, store.outbox, outbox.NewDispatcher(log, writer, ""),
		cfg.ServiceName+"-relay", outbox.WithInterval(cfg.RelayInterval))
	g.Go(func() error { return relay.Run(gctx) })

	if idem == nil {
		log.Warn("REDIS_ADDR not set; invite consumer disabled")
		return g.Wait()
	}
	consumer := guestkafka.NewConsumer(log,
		guestkafka.NewReader(cfg.KafkaBrokers, cfg.OutboxTopic, cfg.InviteConsumerGroup), bridge, idem)
	g.Go(func() error { return consumer.Run(gctx) })

	return g.Wait()
}
