// seeder applies the Run Store migration and seeds a development tenant
// with a starting balance in both Postgres (the tenants mirror row) and
// Redis (the Budget Engine's authoritative balance key). It exists purely
// for local development against a fresh database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/runstore"
)

func main() {
	cfg := config.Load()
	logger := zerolog.Nop()

	tenantID := getEnv("SEED_TENANT_ID", "tenant_dev")
	balanceStr := getEnv("SEED_BALANCE", "100.0000")
	migrationPath := getEnv("SEED_MIGRATION_PATH", "migrations/0001_init.up.sql")

	store, err := runstore.NewPostgresStore(cfg.PostgresURL, logger)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer store.Close()

	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		log.Fatalf("read migration file: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := store.DB().ExecContext(ctx, string(migrationSQL)); err != nil {
		log.Printf("migration warning (may already be applied): %v", err)
	} else {
		fmt.Println("migration applied")
	}

	balance, err := money.ParseDecimalString(balanceStr)
	if err != nil {
		log.Fatalf("invalid SEED_BALANCE: %v", err)
	}

	if _, err := store.DB().ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, mirrored_balance_micros)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET mirrored_balance_micros = EXCLUDED.mirrored_balance_micros
	`, tenantID, int64(balance)); err != nil {
		log.Fatalf("seed tenant row: %v", err)
	}

	engine, err := budget.NewRedisEngine(cfg.RedisAddr, cfg.RedisPassword, logger, budget.NoopAuditWriter{}, 0)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer engine.Close()

	if err := engine.SeedBalance(ctx, tenantID, balance); err != nil {
		log.Fatalf("seed redis balance: %v", err)
	}

	fmt.Printf("seeded tenant %q with balance %s\n", tenantID, balance.String())
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
