package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"qazna.org/identity/internal/migrate"
	"qazna.org/identity/internal/obs"
	"qazna.org/identity/migrations"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn     = flag.String("dsn", os.Getenv("IDENTITY_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall command timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or IDENTITY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrations.MigrationsDir, migrations.SeedsDir)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var names []string
		names, err = mgr.Up(ctx)
		logger.Info("migrations applied", zap.Strings("names", names))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", zap.String("name", name))
		}
	case "seed":
		var names []string
		names, err = mgr.Seed(ctx)
		logger.Info("seeds applied", zap.Strings("names", names))
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
