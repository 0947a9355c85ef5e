package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tokengate.org/internal/dedupe"
	"tokengate.org/internal/fleet"
	"tokengate.org/internal/httpapi"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/policy"
	"tokengate.org/internal/store/pg"
	"tokengate.org/internal/store/sqlite"
	"tokengate.org/internal/token"
	"tokengate.org/internal/verify"
)

var version = "0.3.1"

const sweepInterval = 30 * time.Minute

func main() {
	obs.Init()

	ctx := context.Background()

	// Storage: postgres when a DSN is set, an embedded sqlite file as the
	// single-node fallback, plain memory otherwise (dev only).
	var (
		tokens     token.Store
		cooldowns  verify.CooldownStore
		progress   verify.ProgressStore
		readyProbe httpapi.ReadyProbe
		closeStore func() error
	)
	switch {
	case os.Getenv("TOKENGATE_PG_DSN") != "":
		store, err := pg.Open(os.Getenv("TOKENGATE_PG_DSN"))
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		tokens, cooldowns, progress = store, store, store
		readyProbe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	case os.Getenv("TOKENGATE_SQLITE_PATH") != "":
		store, err := sqlite.Open(os.Getenv("TOKENGATE_SQLITE_PATH"))
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		tokens, cooldowns, progress = store, store, store
		closeStore = store.Close
	default:
		log.Println("no TOKENGATE_PG_DSN or TOKENGATE_SQLITE_PATH set, state will not survive restarts")
		tokens = token.NewInMemory()
		cooldowns = verify.NewMemoryCooldowns()
		progress = verify.NewMemoryProgress()
		closeStore = func() error { return nil }
	}

	issuer, err := token.NewIssuer(tokens)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	registry, err := fleet.NewRegistry(envOr("TOKENGATE_FLEET_PATH", "fleet.json"))
	if err != nil {
		log.Fatalf("fleet registry: %v", err)
	}

	verifier, err := verify.NewManager(verificationSteps(), cooldowns, progress, issuer, registry)
	if err != nil {
		log.Fatalf("verification manager: %v", err)
	}

	policyStore, err := policy.NewFileStore(envOr("TOKENGATE_POLICY_PATH", "policy.json"))
	if err != nil {
		log.Fatalf("policy store: %v", err)
	}
	engine, err := policy.NewEngine(ctx, policyStore, issuer)
	if err != nil {
		log.Fatalf("policy engine: %v", err)
	}
	if issues := engine.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			log.Printf("policy: %s", issue)
		}
	}

	var notices dedupe.Cache
	if redisURL := os.Getenv("TOKENGATE_REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rds, err := dedupe.NewRedis(redis.NewClient(opts), 0)
		if err != nil {
			log.Fatalf("redis dedupe: %v", err)
		}
		if err := rds.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		notices = rds
	} else {
		notices = dedupe.NewMemory()
	}

	api := httpapi.New(readyProbe, version, issuer, verifier, engine, registry, notices)

	srv := &http.Server{
		Addr:              envOr("TOKENGATE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Background sweep: reclaims expired tokens, sessions and cooldowns.
	// Readers filter by expiry on their own, so a missed tick costs nothing.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := issuer.Sweep(sweepCtx); err != nil {
					obs.LogError("token sweep failed", err)
				}
				if err := verifier.Sweep(sweepCtx); err != nil {
					obs.LogError("verification sweep failed", err)
				}
			}
		}
	}()

	log.Printf("Starting tokengate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = closeStore()
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func verificationSteps() []string {
	raw := envOr("TOKENGATE_VERIFY_STEPS", "shortener_1,shortener_2,shortener_3,shortener_4")
	var steps []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}
