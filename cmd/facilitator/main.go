package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/x402-upl/facilitator/cache"
	"github.com/x402-upl/facilitator/httpapi"
	"github.com/x402-upl/facilitator/ledger"
	"github.com/x402-upl/facilitator/registry"
	"github.com/x402-upl/facilitator/reputation"
	"github.com/x402-upl/facilitator/settle"
	"github.com/x402-upl/facilitator/signature"
	"github.com/x402-upl/facilitator/store"
	"github.com/x402-upl/facilitator/verify"
	"github.com/x402-upl/facilitator/webhook"
)

// webhookSweepInterval is how often pending deliveries with lost timers are
// re-driven.
const webhookSweepInterval = time.Minute

type config struct {
	ListenAddr         string
	SolanaRPCURL       string
	TreasuryPrivateKey string
	RedisURL           string
	ProxyDomain        string
	PayoutMint         string
	PaymentTimeout     time.Duration
	LogLevel           string
}

func loadConfig() config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FACILITATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("solana_rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("treasury_private_key", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("proxy_domain", "proxy.x402.dev")
	v.SetDefault("payout_mint", "")
	v.SetDefault("payment_timeout", "24h")
	v.SetDefault("log_level", "info")

	return config{
		ListenAddr:         v.GetString("listen_addr"),
		SolanaRPCURL:       v.GetString("solana_rpc_url"),
		TreasuryPrivateKey: v.GetString("treasury_private_key"),
		RedisURL:           v.GetString("redis_url"),
		ProxyDomain:        v.GetString("proxy_domain"),
		PayoutMint:         v.GetString("payout_mint"),
		PaymentTimeout:     v.GetDuration("payment_timeout"),
		LogLevel:           v.GetString("log_level"),
	}
}

// validateReplayStore rejects configurations that would verify mainnet
// payments against a per-instance replay store.
func validateReplayStore(cfg config) error {
	if cfg.RedisURL == "" && strings.Contains(cfg.SolanaRPCURL, "mainnet") {
		return errors.New("redis configuration required for mainnet")
	}
	return nil
}

func main() {
	cfg := loadConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if err := validateReplayStore(cfg); err != nil {
		log.WithError(err).Fatal("refusing to start")
	}

	var ledgerClient ledger.Client
	if cfg.TreasuryPrivateKey != "" {
		client, err := ledger.NewSolanaClientWithTreasury(cfg.SolanaRPCURL, cfg.TreasuryPrivateKey)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize solana client")
		}
		ledgerClient = client
	} else {
		log.Warn("no treasury key configured, settlements disabled")
		ledgerClient = ledger.NewSolanaClient(cfg.SolanaRPCURL)
	}

	var sigs signature.Store
	var discoveryCache cache.Cache
	if cfg.RedisURL != "" {
		redisSigs, err := signature.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect signature store to redis")
		}
		sigs = redisSigs

		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect cache to redis")
		}
		discoveryCache = redisCache
	} else {
		log.Warn("no redis configured, replay protection is per-instance only (non-mainnet)")
		sigs = signature.NewMemoryStore()
		discoveryCache = cache.NewMemoryCache()
	}

	st := store.NewMemory()

	hooks := webhook.New(st, log)
	verifier := verify.New(ledgerClient, sigs, verify.Config{Timeout: cfg.PaymentTimeout}, log)
	coordinator := settle.New(st, ledgerClient, hooks, settle.Config{PayoutMint: cfg.PayoutMint}, log)
	scheduler := settle.NewScheduler(coordinator, st, log)
	rep := reputation.New(st, st, st, log)
	reg := registry.New(st, discoveryCache, cfg.ProxyDomain, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("failed to start settlement scheduler")
	}
	defer scheduler.Stop()

	go func() {
		ticker := time.NewTicker(webhookSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hooks.RetryPending(ctx); err != nil {
					log.WithError(err).Warn("webhook sweep failed")
				}
			}
		}
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.New(verifier, coordinator, scheduler, rep, reg, hooks, st, log).Router(),
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("facilitator listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
