package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand/v2"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/api/rest"
	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/compliance"
	consentdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/masking"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/policy"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/risk"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/archive"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/auth"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/cache"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/config"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/database"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/events"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
	auditsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/decision"
	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
	tokensvc "github.com/davidleathers/privacy-decision-gateway/internal/service/token"
)

// stores is everything that differs between storage backends.
type stores struct {
	consent  consentdomain.Store
	budget   budget.Store
	history  budget.HistoryLog
	tokens   token.Store
	blocks   rtbf.BlockList
	requests rtbf.RequestStore
	audit    audit.Log

	// purgers for the layers the backend itself owns
	purgers []rtbf.Purger
	closers []func() error
}

// app is the assembled gateway.
type app struct {
	handler http.Handler
	rtbf    rtbfsvc.Service
	closers []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	clk := clock.System()

	registry, err := metrics.NewRegistry("privacy-decision-gateway")
	if err != nil {
		return nil, fmt.Errorf("creating metrics registry: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{closers: st.closers}

	recorder := auditsvc.NewLogger(st.audit, logger, clk, registry)
	consentSvc := consent.NewService(logger.Named("consent"), st.consent, recorder, clk)

	budgetSvc, err := budgetsvc.NewService(logger.Named("budget"), st.budget, st.history, clk, registry, budgetsvc.Defaults{
		TotalEpsilon: cfg.Budget.DefaultTotal,
		Window:       cfg.Budget.Window,
		CostModel:    cfg.Budget.CostModel,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	secret := cfg.Tokens.Secret
	if secret == "" {
		secret, err = ephemeralSecret()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		logger.Warn("tokens.secret not set; bearers will not survive a restart")
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	vault := tokensvc.NewVault(logger.Named("tokens"), st.tokens, signer, recorder, clk, registry)

	purgers, archiver, err := erasureBackends(ctx, cfg, logger, st, budgetSvc)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	erasure, err := rtbfsvc.NewService(logger, rtbfsvc.Dependencies{
		BlockList: st.blocks,
		Requests:  st.requests,
		Consent:   consentSvc,
		Purgers:   purgers,
		Audit:     recorder,
		Archiver:  archiver,
		Clock:     clk,
		Metrics:   registry,
	}, rtbfsvc.Config{
		LayerTimeout:        cfg.RTBF.LayerTimeout,
		ComplianceStandards: cfg.RTBF.ComplianceStandards,
		Breaker:             cfg.RTBF.CircuitBreaker,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.rtbf = erasure

	riskEngine, err := risk.NewEngine(cfg.Risk.Weights)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	masker := masking.NewEngine(clk, mathrand.New(mathrand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)))

	orchestrator, err := decision.NewOrchestrator(logger, decision.Dependencies{
		Policy:    policy.NewEngine(nil),
		Risk:      riskEngine,
		Consent:   consentSvc,
		BlockList: erasure,
		Budget:    budgetSvc,
		Masking:   masker,
		Advisor:   compliance.NewAdvisor(),
		Audit:     recorder,
		Clock:     clk,
		Metrics:   registry,
	}, cfg.Risk.Threshold)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.handler, err = rest.NewRouter(rest.Config{
		Version:        cfg.Version,
		Logger:         logger,
		Registerer:     reg,
		Gatherer:       gatherer,
		RateLimitRPS:   cfg.Security.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.Security.RateLimit.BurstSize,
	}, rest.Services{
		Gateway: decision.NewGateway(orchestrator, budgetSvc, vault, masker, erasure, registry),
		Consent: consentSvc,
		Budget:  budgetSvc,
		Tokens:  vault,
		RTBF:    erasure,
		Audit:   st.audit,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client, err := cache.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		keys := cache.NewKeyspace(cfg.Redis.KeyPrefix)
		st := redisStores(client, keys, logger)
		st.consent = cache.NewConsentStore(client, keys)
		st.budget = cache.NewBudgetStore(client, keys)
		st.history = cache.NewBudgetHistory(client, keys, cfg.Budget.HistoryLimit)
		st.audit = audit.NewMemoryLog()
		st.purgers = append(st.purgers, emptyLayer(rtbf.LayerPrimaryDatabase, "no primary database configured"))
		logger.Warn("redis backend keeps the audit log in process memory")
		return st, nil

	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := database.OpenSQL(ctx, cfg.Database)
		if err != nil {
			pool.Close()
			return nil, err
		}
		client, err := cache.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			pool.Close()
			_ = sqlDB.Close()
			return nil, err
		}
		keys := cache.NewKeyspace(cfg.Redis.KeyPrefix)
		st := redisStores(client, keys, logger)

		var consentStore consentdomain.Store = database.NewConsentRepository(pool)
		if cfg.Redis.ConsentCacheTTL > 0 {
			consentStore = cache.NewCachedConsentStore(consentStore, client, keys, cfg.Redis.ConsentCacheTTL, logger)
		}
		st.consent = consentStore
		st.budget = database.NewBudgetStore(sqlDB)
		st.history = database.NewBudgetHistory(sqlDB, cfg.Budget.HistoryLimit)
		st.audit = database.NewAuditLog(pool, logger)
		st.purgers = append(st.purgers, database.NewSubjectPurger(pool, logger, database.DefaultSubjectTables...))
		st.closers = append(st.closers,
			func() error { pool.Close(); return nil },
			sqlDB.Close,
		)
		return st, nil

	default:
		return &stores{
			consent:  consentdomain.NewMemoryStore(),
			budget:   budget.NewMemoryStore(),
			history:  budget.NewMemoryHistory(cfg.Budget.HistoryLimit),
			tokens:   token.NewMemoryStore(),
			blocks:   rtbf.NewMemoryBlockList(),
			requests: rtbf.NewMemoryRequestStore(),
			audit:    audit.NewMemoryLog(),
			purgers: []rtbf.Purger{
				emptyLayer(rtbf.LayerPrimaryDatabase, "in-memory backend"),
				emptyLayer(rtbf.LayerCache, "in-memory backend"),
			},
		}, nil
	}
}

// redisStores fills the Redis-backed parts shared by the redis and
// postgres backends.
func redisStores(client *redis.Client, keys cache.Keyspace, logger *zap.Logger) *stores {
	return &stores{
		tokens:   cache.NewTokenStore(client, keys),
		blocks:   cache.NewBlockList(client, keys),
		requests: cache.NewRequestStore(client, keys),
		purgers:  []rtbf.Purger{cache.NewSubjectPurger(client, keys, logger)},
		closers:  []func() error{client.Close},
	}
}

// erasureBackends assembles one purger per layer plus the optional
// certificate archiver.
func erasureBackends(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	st *stores,
	budgetSvc budgetsvc.Service,
) ([]rtbf.Purger, rtbfsvc.CertificateArchiver, error) {
	purgers := append([]rtbf.Purger(nil), st.purgers...)
	purgers = append(purgers,
		rtbfsvc.AnalyticsPurger(budgetSvc),
		rtbfsvc.AuditLogPurger(st.audit, rtbfsvc.AuditPolicy(cfg.RTBF.AuditLogsPolicy)),
	)

	for layer, url := range map[rtbf.Layer]string{
		rtbf.LayerSearchIndex: cfg.RTBF.SearchIndexURL,
		rtbf.LayerMLModels:    cfg.RTBF.MLModelsURL,
	} {
		if url == "" {
			if cfg.Storage.Backend == config.BackendMemory {
				purgers = append(purgers, emptyLayer(layer, "in-memory backend"))
			}
			continue
		}
		purgers = append(purgers, events.NewWebhookPurger(layer, events.WebhookEndpoint{
			URL:         url,
			RetryPolicy: events.DefaultRetryPolicy(),
		}, cfg.RTBF.LayerTimeout))
	}

	endpoints := make([]events.WebhookEndpoint, 0, len(cfg.RTBF.ThirdParties))
	for _, tp := range cfg.RTBF.ThirdParties {
		endpoints = append(endpoints, events.WebhookEndpoint{
			Name:        tp.Name,
			URL:         tp.URL,
			Secret:      tp.Secret,
			RetryPolicy: events.DefaultRetryPolicy(),
		})
	}
	purgers = append(purgers, rtbfsvc.ThirdPartyPurger(events.NewWebhookManager(logger, cfg.RTBF.LayerTimeout, endpoints...)))

	var archiver rtbfsvc.CertificateArchiver
	if cfg.Archive.Enabled {
		client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return nil, nil, err
		}
		archiver = archive.NewCertificateArchiver(client, cfg.Archive, logger)
		purgers = append(purgers, rtbfsvc.BackupPurger(archive.NewBackupMarker(client, cfg.Archive, logger)))
	} else {
		purgers = append(purgers, rtbfsvc.BackupPurger(rtbfsvc.NewMemoryBackupMarker(len(cfg.RTBF.BackupSnapshots))))
	}
	return purgers, archiver, nil
}

// emptyLayer stands in for a layer the deployment keeps no data in.
func emptyLayer(layer rtbf.Layer, why string) rtbf.Purger {
	return rtbf.PurgeFunc{L: layer, F: func(context.Context, string) (rtbf.PurgeResult, error) {
		return rtbf.PurgeResult{Details: map[string]interface{}{"action": "none", "reason": why}}, nil
	}}
}

func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
