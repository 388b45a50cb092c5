// Command paymentservice runs the payment-processor state machine and the
// merchant-facing staff portal: Stripe checkout/payout (internal/payment/processor/stripe),
// the RPC client that pulls order replicas (internal/rpcclient), the
// per-order sync lock (internal/lockcache), and the staff HTTP/WS API
// (internal/staffportal).
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
	"storefront-backend/internal/lockcache"
	"storefront-backend/internal/payment/processor/stripe"
	paymentrepo "storefront-backend/internal/payment/repo"
	paymentuc "storefront-backend/internal/payment/usecase"
	"storefront-backend/internal/rpcclient"
	"storefront-backend/internal/staffportal"
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

	dsn := envOrDefault("PAYMENT_DB_DSN", "postgres://localhost:5432/paymentservice?sslmode=disable")
	configPath := envOrDefault("PAYMENT_CONFIG_PATH", "configs/paymentservice.yaml")
	migrationsDir := envOrDefault("PAYMENT_MIGRATIONS_DIR", "migrations/paymentservice")
	httpAddr := envOrDefault("PAYMENT_HTTP_ADDR", ":8082")
	jwtSecret := envOrDefault("PAYMENT_JWT_SECRET", "dev-secret-change-me")
	keystoreURL := envOrDefault("PAYMENT_KEYSTORE_URL", "")
	stripeKey := envOrDefault("STRIPE_API_KEY", "")

	numDBConns, err := strconv.Atoi(envOrDefault("PAYMENT_NUM_DB_CONNS", "20"))
	if err != nil {
		log.Fatalf("paymentservice: bad PAYMENT_NUM_DB_CONNS: %v", err)
	}
	secondsDBIdle, err := strconv.Atoi(envOrDefault("PAYMENT_SECONDS_DB_IDLE", "300"))
	if err != nil {
		log.Fatalf("paymentservice: bad PAYMENT_SECONDS_DB_IDLE: %v", err)
	}
	keyUpdateMinutes, err := strconv.Atoi(envOrDefault("PAYMENT_KEY_UPDATE_INTERVAL_MINUTES", "30"))
	if err != nil {
		log.Fatalf("paymentservice: bad PAYMENT_KEY_UPDATE_INTERVAL_MINUTES: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("paymentservice: load config: %v", err)
	}

	store, err := db.Open(dsn, numDBConns, time.Duration(secondsDBIdle)*time.Second)
	if err != nil {
		log.Fatalf("paymentservice: open db: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(migrationsDir); err != nil {
		log.Fatalf("paymentservice: migrate: %v", err)
	}

	pgRepo := paymentrepo.NewPostgres(store.DB)
	staffRepo := staffportal.NewPostgresStaffRepo(store.DB)

	rpcClient, err := rpcclient.Dial(cfg.AMQP.URL, cfg.Bindings())
	if err != nil {
		log.Fatalf("paymentservice: dial rpc client: %v", err)
	}
	defer rpcClient.Close()

	locks := lockcache.New(cfg.LockCache.Addr, cfg.LockCache.TTL)
	defer locks.Close()

	proc := stripe.New(stripeKey)

	uc := paymentuc.New(pgRepo, pgRepo, pgRepo, proc, rpcClient, locks)
	hub := staffportal.NewHub()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keys := authkeys.New(keystoreURL, []byte(jwtSecret))
	go keys.Run(ctx, time.Duration(keyUpdateMinutes)*time.Minute)

	server := staffportal.NewServer(uc, staffRepo, hub, keys)

	httpSrv := &http.Server{Addr: httpAddr, Handler: server.Router()}
	go func() {
		log.Printf("paymentservice: http listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("paymentservice: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("paymentservice: shutting down")
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
