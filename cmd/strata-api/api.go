// Package main provides the strata API server implementation.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/cmd"
	"github.com/dukex/strata/pkg/config"
	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/eventbus"
	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/ledger"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/otelhelper"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/security"
	"github.com/dukex/strata/pkg/services"
	"github.com/dukex/strata/pkg/statestore"
	"github.com/dukex/strata/pkg/validation"
	"github.com/dukex/strata/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// signingKeyID is the key id state snapshots are signed under.
	signingKeyID = "strata-api"
	// sweepSpec is how often expired in-memory rate limit windows are dropped.
	sweepSpec = "@every 1m"
)

type sweeper interface {
	Sweep()
}

// Config is the environment-level configuration of one API process.
type Config struct {
	DatabaseURL       string
	ContentStoreURL   string
	RateLimitStoreURL string
	EventBus          string
	TenantsConfig     string
	MonitorInterval   time.Duration
	RateLimitWindow   time.Duration
	RiskThreshold     int
	SigningKey        string
	EncryptionKey     string
	OtelEnabled       bool
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	metrics     *metrics.Metrics
	governor    *governor.Governor
	engine      *engine.Engine
	handlers    *web.APIHandlers
}

// NewAPI builds every component from cfg. Close releases them.
func NewAPI(ctx context.Context, logger *slog.Logger, cfg Config) (*API, error) {
	if cfg.MonitorInterval != 0 && cfg.MonitorInterval < governor.MinInterval {
		return nil, fmt.Errorf("monitor interval %s is below the %s minimum", cfg.MonitorInterval, governor.MinInterval)
	}

	policy, err := config.LoadTenantPolicyOrDefault(cfg.TenantsConfig)
	if err != nil {
		return nil, err
	}

	tracer, err := newTracer(ctx, cfg.OtelEnabled)
	if err != nil {
		return nil, err
	}

	content, err := cmd.NewContentStore(ctx, cfg.ContentStoreURL)
	if err != nil {
		return nil, err
	}

	limiter, err := cmd.NewRateLimiter(cfg.RateLimitStoreURL)
	if err != nil {
		return nil, err
	}

	signer, encryptor, err := newCrypto(cfg.SigningKey, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus, err := cmd.NewEventBus(cfg.EventBus, logger)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	m := metrics.New()
	validate := validator.New(validator.WithRequiredStructEnabled())
	pipeline := validation.NewPipeline(logger)

	govOpts := []governor.Option{
		governor.WithUsageRepository(store.Usage()),
		governor.WithMetrics(m),
		governor.WithInterval(cfg.MonitorInterval),
	}

	if s, ok := limiter.(sweeper); ok {
		govOpts = append(govOpts, governor.WithHousekeeping(sweepSpec, s.Sweep))
	}

	gov := governor.New(policy, logger, govOpts...)

	ledgerOpts := []ledger.Option{ledger.WithContentStore(content), ledger.WithMetrics(m)}
	stateOpts := []statestore.Option{}

	if signer != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSigner(signer))
		stateOpts = append(stateOpts, statestore.WithSigner(signer, signingKeyID))
	} else {
		logger.WarnContext(ctx, "signing disabled: audit records and state snapshots are unsigned")
	}

	if encryptor != nil {
		stateOpts = append(stateOpts, statestore.WithEncryptor(encryptor))
	}

	audit := ledger.New(store.Audit(), store.Executions(), logger, ledgerOpts...)

	eng := engine.New(store.Flows(), store.Executions(), cmd.NewRegistry(logger, bus, cmd.RegistryConfig{}), logger,
		engine.WithValidator(pipeline),
		engine.WithGovernor(gov),
		engine.WithStateStore(statestore.New(content, store.States(), logger, stateOpts...)),
		engine.WithAuditSink(audit),
		engine.WithPublisher(bus),
		engine.WithMetrics(m),
		engine.WithTracer(tracer),
	)

	gateway := admission.New(store.Webhooks(), eng, limiter, logger,
		admission.WithValidator(pipeline),
		admission.WithScorer(admission.NewScorer(limiter, nil)),
		admission.WithPublisher(bus),
		admission.WithMetrics(m),
		admission.WithTracer(tracer),
		admission.WithWindow(cfg.RateLimitWindow),
		admission.WithRiskThreshold(cfg.RiskThreshold),
	)

	handlers := web.NewAPIHandlers(
		services.NewFlow(store.Flows(), validate),
		services.NewExecution(eng, store.Flows(), store.Executions()),
		services.NewWebhook(store.Webhooks(), store.Flows(), gateway, validate),
		services.NewAudit(audit, validate),
		services.NewHealth(store, content),
		validate,
		web.WithTenantUsage(gov),
	)

	return &API{
		logger:      logger,
		persistence: store,
		eventBus:    bus,
		metrics:     m,
		governor:    gov,
		engine:      eng,
		handlers:    handlers,
	}, nil
}

//nolint:ireturn
func newTracer(ctx context.Context, enabled bool) (trace.Tracer, error) {
	if !enabled {
		return otelhelper.NoopTracer(), nil
	}

	tracer, err := otelhelper.NewTracer(ctx, "strata-api")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return tracer, nil
}

// newCrypto returns a nil signer or encryptor for an empty key.
//
//nolint:ireturn
func newCrypto(signingKey, encryptionKey string) (protocol.Signer, protocol.Encryptor, error) {
	var (
		signer    protocol.Signer
		encryptor protocol.Encryptor
	)

	if signingKey != "" {
		signer = security.NewHMACSigner([]byte(signingKey))
	}

	if encryptionKey != "" {
		key, err := parseEncryptionKey(encryptionKey)
		if err != nil {
			return nil, nil, err
		}

		aes, err := security.NewAESGCM(security.EncryptionConfig{ActiveKey: key})
		if err != nil {
			return nil, nil, err
		}

		encryptor = aes
	}

	return signer, encryptor, nil
}

// parseEncryptionKey accepts 64 hex characters or 32 raw bytes.
func parseEncryptionKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}

	if len(raw) == 32 {
		return []byte(raw), nil
	}

	return nil, errors.New("encryption key must be 32 bytes or 64 hex characters")
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(recoverer.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("strata API")
	})

	app.Get("/metrics", web.MetricsHandler(a.metrics.Registry))
	a.handlers.Register(app)

	return app
}

// Run serves on port until ctx is done, then shuts the server down.
func (a *API) Run(ctx context.Context, port int) error {
	if err := a.governor.Start(ctx); err != nil {
		return err
	}

	app := a.App()
	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":" + strconv.Itoa(port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	return app.ShutdownWithContext(shutdownCtx)
}

// Close stops the monitor, drains executions and releases the stores.
func (a *API) Close(ctx context.Context) error {
	a.governor.Stop()

	var errs []error

	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}

	if err := a.eventBus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event bus close: %w", err))
	}

	if err := a.persistence.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persistence close: %w", err))
	}

	return errors.Join(errs...)
}
