// Command orderservice runs the stock-reservation and order-lifecycle
// process: the buyer-facing HTTP API (internal/orderapi), the RPC server
// the payment service calls into (internal/order/rpcserver), and the
// reservation-expiry sweep (usecase.DiscardScheduler).
//
// Config loading is split in two layers: flat env vars for secrets/hosts
// (envOrDefault), structured policy/currency/AMQP tables from YAML via
// internal/config.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"storefront-backend/internal/authkeys"
	"storefront-backend/internal/config"
	"storefront-backend/internal/db"
	"storefront-backend/internal/order/repo"
	"storefront-backend/internal/order/rpcserver"
	"storefront-backend/internal/order/usecase"
	"storefront-backend/internal/orderapi"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Load env (dotenv-style: only if not already set)
	loadEnvFile(".env")

	dsn := envOrDefault("ORDER_DB_DSN", "postgres://localhost:5432/orderservice?sslmode=disable")
	configPath := envOrDefault("ORDER_CONFIG_PATH", "configs/orderservice.yaml")
	migrationsDir := envOrDefault("ORDER_MIGRATIONS_DIR", "migrations/orderservice")
	httpAddr := envOrDefault("ORDER_HTTP_ADDR", ":8081")
	jwtSecret := envOrDefault("ORDER_JWT_SECRET", "dev-secret-change-me")
	keystoreURL := envOrDefault("ORDER_KEYSTORE_URL", "")
	machineCodeStr := envOrDefault("ORDER_MACHINE_CODE", "1")
	discardIntervalStr := envOrDefault("ORDER_DISCARD_INTERVAL", "30s")

	machineCode, err := strconv.ParseUint(machineCodeStr, 10, 8)
	if err != nil {
		log.Fatalf("orderservice: bad ORDER_MACHINE_CODE: %v", err)
	}
	discardInterval, err := time.ParseDuration(discardIntervalStr)
	if err != nil {
		log.Fatalf("orderservice: bad ORDER_DISCARD_INTERVAL: %v", err)
	}
	numDBConns, err := strconv.Atoi(envOrDefault("ORDER_NUM_DB_CONNS", "20"))
	if err != nil {
		log.Fatalf("orderservice: bad ORDER_NUM_DB_CONNS: %v", err)
	}
	secondsDBIdle, err := strconv.Atoi(envOrDefault("ORDER_SECONDS_DB_IDLE", "300"))
	if err != nil {
		log.Fatalf("orderservice: bad ORDER_SECONDS_DB_IDLE: %v", err)
	}
	keyUpdateMinutes, err := strconv.Atoi(envOrDefault("ORDER_KEY_UPDATE_INTERVAL_MINUTES", "30"))
	if err != nil {
		log.Fatalf("orderservice: bad ORDER_KEY_UPDATE_INTERVAL_MINUTES: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("orderservice: load config: %v", err)
	}
	policies, err := config.NewPolicyTable(cfg.Policies)
	if err != nil {
		log.Fatalf("orderservice: policy table: %v", err)
	}

	store, err := db.Open(dsn, numDBConns, time.Duration(secondsDBIdle)*time.Second)
	if err != nil {
		log.Fatalf("orderservice: open db: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(migrationsDir); err != nil {
		log.Fatalf("orderservice: migrate: %v", err)
	}

	orderRepo := repo.NewPostgres(store.DB)
	uc := usecase.New(orderRepo, policies, byte(machineCode))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keys := authkeys.New(keystoreURL, []byte(jwtSecret))
	go keys.Run(ctx, time.Duration(keyUpdateMinutes)*time.Minute)

	go usecase.DiscardScheduler(ctx, uc, discardInterval)

	rpcSrv, err := rpcserver.Dial(cfg.AMQP.URL, cfg.Bindings(), uc)
	if err != nil {
		log.Fatalf("orderservice: dial rpc server: %v", err)
	}
	defer rpcSrv.Close()
	go func() {
		if err := rpcSrv.Serve(ctx); err != nil {
			log.Printf("orderservice: rpc server stopped: %v", err)
		}
	}()

	api := orderapi.NewServer(uc, keys)
	httpSrv := &http.Server{Addr: httpAddr, Handler: api.Router()}
	go func() {
		log.Printf("orderservice: http listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("orderservice: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("orderservice: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range splitLines(string(data)) {
		line = trimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		parts := splitFirst(line, '=')
		if len(parts) != 2 {
			continue
		}
		key := trimSpace(parts[0])
		val := trimSpace(parts[1])
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	j := len(s)
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

func splitFirst(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
