// Package main provides a CLI tool for activating or deactivating accounts.
// Deactivated accounts cannot log in, and their existing tokens are rejected
// by both the REST API and auth:login.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before configuration")
	username := flag.String("username", "", "target account username (required)")
	active := flag.Bool("active", false, "whether the account may sign in")
	flag.Parse()

	if *username == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewAccountRepository(pool.DB(), cfg.Auth.BcryptCost)
	acct, err := repo.GetByUsername(ctx, *username)
	if err != nil {
		log.Fatalf("looking up account %q: %v", *username, err)
	}
	if err := repo.SetActive(ctx, acct.ID, *active); err != nil {
		log.Fatalf("updating account: %v", err)
	}

	fmt.Fprintf(os.Stdout, "set active for %s (#%d): %v -> %v [%s]\n",
		acct.Username, acct.ID, acct.IsActive, *active, time.Since(start))
}
