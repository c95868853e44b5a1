package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/contactbridge/internal/bridge"
	"github.com/agentworkforce/contactbridge/internal/config"
	"github.com/agentworkforce/contactbridge/internal/contact"
	"github.com/agentworkforce/contactbridge/internal/httpapi"
	"github.com/agentworkforce/contactbridge/internal/remote"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}
	cfg := config.FromEnv()
	logger := log.Default()

	rules, err := config.LoadRules(cfg.MappingFile)
	if err != nil {
		log.Fatalf("failed to load mapping rules: %v", err)
	}
	mapper, validator, placeholders, err := rules.Build()
	if err != nil {
		log.Fatalf("failed to compile mapping rules: %v", err)
	}
	resolver := bridge.NewResolver(validator, placeholders)

	linkField := cfg.LinkField
	if linkField == "" {
		linkField = bridge.DefaultLinkField
	}

	scheduler := remote.NewSchedulerClient(remote.Options{
		BaseURL: cfg.SchedulerBaseURL,
		Token:   cfg.SchedulerToken,
	})
	crm := remote.NewCRMClient(remote.CRMOptions{
		Options: remote.Options{
			BaseURL: cfg.CRMBaseURL,
			Token:   cfg.CRMToken,
		},
		Properties: crmProperties(mapper, linkField),
	})

	links := bridge.NewCorrelationStore(crm, linkField)
	orchestrator, err := bridge.NewOrchestrator(bridge.OrchestratorOptions{
		Scheduler:   scheduler,
		CRM:         crm,
		Links:       links,
		Mapper:      mapper,
		Resolver:    resolver,
		Primary:     cfg.PrimarySystem,
		ForceDelete: cfg.ForceDelete,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	queue, err := bridge.BuildEventQueueFromDSN(cfg.EventQueueDSN, cfg.EventQueueSize)
	if err != nil {
		log.Fatalf("failed to initialize event queue: %v", err)
	}
	pool := bridge.NewWorkerPool(bridge.WorkerPoolOptions{
		Queue:         queue,
		Syncer:        orchestrator,
		Workers:       cfg.Workers,
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
		Logger:        logger,
	})
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.WatchRules(ctx, cfg.MappingFile, logger, func(reloaded *config.Rules) {
		mapper, validator, placeholders, err := reloaded.Build()
		if err != nil {
			logger.Printf("new mapping rules rejected: %v", err)
			return
		}
		orchestrator.ReplaceRules(mapper, bridge.NewResolver(validator, placeholders))
	}); err != nil {
		logger.Printf("mapping file watch disabled: %v", err)
	}

	if cfg.CallbackURL != "" {
		registrar := remote.NewRegistrar(scheduler, crm,
			cfg.CallbackURL+"/v1/webhooks/scheduler",
			cfg.CallbackURL+"/v1/webhooks/crm",
			logger)
		if err := registrar.EnsureAll(ctx); err != nil {
			logger.Printf("webhook registration failed: %v", err)
		}
	}

	if cfg.TunnelURL != "" {
		tunnel := httpapi.NewTunnel(httpapi.TunnelOptions{
			URL:           cfg.TunnelURL,
			WebhookSecret: cfg.WebhookSecret,
			Intake:        pool,
			Logger:        logger,
		})
		go tunnel.Run(ctx)
	}

	if cfg.ReconcileInterval > 0 {
		go orchestrator.RunSweeps(ctx, cfg.ReconcileInterval, nil)
	}

	server := httpapi.NewServer(pool, orchestrator, httpapi.ServerConfig{
		WebhookSecret:   cfg.WebhookSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Printf("contactbridge listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

// crmProperties is the full property set every CRM read must request: the
// mapped fields plus the link and status properties the engine writes.
func crmProperties(mapper *contact.Mapper, linkField string) []string {
	properties := mapper.NativeFields(contact.SystemCRM)
	properties = append(properties, linkField, bridge.DefaultCRMStatusField)
	return properties
}
