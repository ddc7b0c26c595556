package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"smartretail/pos/internal/cache"
	"smartretail/pos/internal/config"
	"smartretail/pos/internal/httpapi"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/reconcile"
	"smartretail/pos/internal/search"
	"smartretail/pos/internal/store"
	"smartretail/pos/internal/store/memory"
	pgstore "smartretail/pos/internal/store/postgres"
	"smartretail/pos/internal/store/rest"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	// Collaborators: REST backend when configured, otherwise the seeded
	// in-memory store for dev/demo mode.
	var (
		products  store.ProductStore
		inventory store.InventoryStore
		sales     store.SaleStore
		gateway   store.PaymentGateway
		users     store.UserStore
	)
	if cfg.BackendBaseURL != "" {
		client := rest.NewClient(cfg.BackendBaseURL, cfg.BackendToken)
		products, inventory, sales, gateway = client, client, client, client
		log.Printf("collaborators: rest backend at %s", cfg.BackendBaseURL)
	} else {
		repo := memory.NewSeeded()
		products, inventory, sales, gateway, users = repo, repo, repo, repo, repo
		log.Println("collaborators: in-memory")
	}

	// The postgres archive replaces the remote sale store and owns auth
	// users when DATABASE_URL is set.
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start without the sale archive", err)
		}
		sales = pg
		users = pg
		closers = append(closers, pg.Close)
		log.Println("sale archive: postgres")
	}

	pageCache := cache.ProductPageCache(cache.NoopProductPageCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisProductPageCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			pageCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	if users == nil {
		log.Println("WARNING: no user store configured; set DATABASE_URL to enable logins against the rest backend")
	}

	resolver := search.NewResolver(products, pageCache, cfg.FallbackFetchSize, time.Duration(cfg.SearchCacheTTLSeconds)*time.Second)
	engine := reconcile.NewEngine(products, inventory, cfg.PageSize, cfg.ReconcileConcurrency)
	verifier := payment.NewValidator(cfg.MerchantName, cfg.Currency)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, users)
	api := httpapi.New(resolver, engine, inventory, sales, gateway, verifier, auth, cfg.AllowedOrigin, cfg.PageSize)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS engine listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
