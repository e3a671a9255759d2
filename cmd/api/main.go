package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/newmeclass/internal/api"
	"github.com/punchamoorthee/newmeclass/internal/auth"
	"github.com/punchamoorthee/newmeclass/internal/config"
	"github.com/punchamoorthee/newmeclass/internal/gateway"
	"github.com/punchamoorthee/newmeclass/internal/poller"
	"github.com/punchamoorthee/newmeclass/internal/service"
	"github.com/punchamoorthee/newmeclass/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New(os.Stdout, "newmeclass ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	var st service.Store
	if cfg.DBSource != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
		st = pg
	} else {
		logger.Println("DB_SOURCE not set, using in-memory store")
		st = store.NewMemory()
	}

	// Payment gateway
	var gw gateway.Gateway
	if cfg.GatewayServerKey != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayServerKey, cfg.GatewayMerchant, cfg.PaymentExpiry)
	} else {
		logger.Println("GATEWAY_SERVER_KEY not set, using demo gateway")
		gw = gateway.NewDemoGateway(cfg.GatewayMerchant, cfg.PaymentExpiry)
	}

	// Initialize Layers
	watchers := poller.New(cfg.PollInterval, logger)
	bank := service.NewQuestionBank(st, logger)
	settlement := service.NewSettlement(st, gw, watchers, logger)
	wallets := service.NewWallets(st, st, gw, settlement, service.WalletConfig{
		MinTopup:    cfg.MinTopup,
		DemoAllowed: cfg.DemoTopupAllowed(),
	}, logger)
	gate := service.NewGate(wallets, st, st, cfg.TestPrice)

	handler := api.NewHandler(api.Services{
		Questions:  bank,
		Wallets:    wallets,
		Settlement: settlement,
		Gate:       gate,
		Sessions:   service.NewSessions(st, bank, gate, logger),
		Results:    service.NewResults(st, bank, gate),
		Payments:   st,
	}, logger)

	if n, err := settlement.Resume(ctx); err != nil {
		logger.Printf("resume payment watchers: %v", err)
	} else if n > 0 {
		logger.Printf("resumed %d payment watchers", n)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(handler, api.RouterConfig{
			Verifier:     auth.NewVerifier(cfg.JWTSecret),
			CORSOrigins:  cfg.CORSOrigins,
			DemoTopup:    cfg.DemoTopupAllowed(),
			ServeMetrics: true,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("Server starting on :%s (%s)", cfg.Port, cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	watchers.Shutdown()
}
