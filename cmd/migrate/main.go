// Package main provides the database migration CLI.
//
// Usage:
//
//	migrate up                 run all pending migrations
//	migrate up-to <version>    migrate up to a specific version
//	migrate down               roll back the last migration
//	migrate status             print migration status
//	migrate version            print the current database version
//	migrate mark-applied <version>  record a migration as applied without running it
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/migrate"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.NewConfig(log)
	if err != nil {
		log.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sqldb, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	ctx := context.Background()
	m := migrate.NewMigrator(db, log)

	switch os.Args[1] {
	case "up":
		err = m.Up(ctx)
	case "up-to":
		version, perr := parseVersionArg()
		if perr != nil {
			log.Error("invalid version argument", slog.String("error", perr.Error()))
			os.Exit(1)
		}
		err = m.UpTo(ctx, version)
	case "down":
		err = m.Down(ctx)
	case "status":
		err = m.Status(ctx)
	case "version":
		var version int64
		version, err = m.Version(ctx)
		if err == nil {
			fmt.Printf("database version: %d\n", version)
		}
	case "mark-applied":
		version, perr := parseVersionArg()
		if perr != nil {
			log.Error("invalid version argument", slog.String("error", perr.Error()))
			os.Exit(1)
		}
		err = m.MarkApplied(ctx, version)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Error("migration command failed",
			slog.String("command", os.Args[1]),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func parseVersionArg() (int64, error) {
	if len(os.Args) < 3 {
		return 0, fmt.Errorf("missing version argument")
	}
	return strconv.ParseInt(os.Args[2], 10, 64)
}

func usage() {
	fmt.Println("Usage: migrate <up|up-to|down|status|version|mark-applied> [version]")
}
