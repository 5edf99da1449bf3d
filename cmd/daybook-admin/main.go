// daybook-admin is the maintenance CLI: it migrates the database, verifies
// and repairs ordinal density, purges an owner's entries and prints store
// stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"daybook/api/internal/app"
	"daybook/api/internal/blob"
	"daybook/api/internal/config"
	"daybook/api/internal/grouplock"
	"daybook/api/internal/store"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		usage(errOut)
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, cfg, out, errOut)
	case "verify":
		return runVerify(ctx, cfg, args[1:], out, errOut)
	case "renumber":
		return runRenumber(ctx, cfg, args[1:], out, errOut)
	case "purge":
		return runPurge(ctx, cfg, args[1:], out, errOut)
	case "stats":
		return runStats(ctx, cfg, out, errOut)
	default:
		usage(errOut)
		return 2
	}
}

func usage(errOut io.Writer) {
	fmt.Fprintln(errOut, `usage: daybook-admin <command> [flags]

commands:
  migrate                     apply pending database migrations (postgres)
  verify   [-owner ID]        report groups whose ordinals are not dense 1..N
  renumber -owner ID -date D  repair one (owner, date) group
  purge    -owner ID [-diary ID] [-yes]  delete an owner's entries
  stats                       print store counts`)
}

func runMigrate(ctx context.Context, cfg config.Config, out, errOut io.Writer) int {
	if cfg.Driver != "postgres" {
		fmt.Fprintln(errOut, "migrate applies to the postgres driver; sqlite ensures its schema at open")
		return 2
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(errOut, "database connection failed: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fmt.Fprintf(errOut, "migrations failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "migrations applied")
	return 0
}

func runVerify(ctx context.Context, cfg config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	owner := fs.String("owner", "", "limit the scan to one owner")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	service, closeAll, err := buildService(ctx, cfg)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeAll()

	violations, err := service.VerifyOrdinals(ctx, *owner)
	if err != nil {
		fmt.Fprintf(errOut, "verify failed: %v\n", err)
		return 1
	}
	if len(violations) == 0 {
		fmt.Fprintln(out, "all groups dense")
		return 0
	}
	for _, v := range violations {
		fmt.Fprintf(out, "owner=%s date=%s count=%d ordinals=[%d..%d] distinct=%d\n",
			v.OwnerID, v.EntryDate, v.Count, v.MinOrdinal, v.MaxOrdinal, v.DistinctOrdinals)
	}
	fmt.Fprintf(out, "%d group(s) need renumbering\n", len(violations))
	return 1
}

func runRenumber(ctx context.Context, cfg config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("renumber", flag.ContinueOnError)
	fs.SetOutput(errOut)
	owner := fs.String("owner", "", "owner id")
	date := fs.String("date", "", "entry date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *owner == "" || *date == "" {
		fmt.Fprintln(errOut, "renumber requires -owner and -date")
		return 2
	}

	service, closeAll, err := buildService(ctx, cfg)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeAll()

	if err := service.RepairGroup(ctx, *owner, *date); err != nil {
		fmt.Fprintf(errOut, "renumber failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "group %s/%s renumbered\n", *owner, *date)
	return 0
}

func runPurge(ctx context.Context, cfg config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(errOut)
	owner := fs.String("owner", "", "owner id")
	diary := fs.String("diary", "", "limit to one diary")
	yes := fs.Bool("yes", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *owner == "" {
		fmt.Fprintln(errOut, "purge requires -owner")
		return 2
	}
	if !*yes {
		fmt.Fprintln(errOut, "purge is destructive; re-run with -yes to confirm")
		return 2
	}

	service, closeAll, err := buildService(ctx, cfg)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeAll()

	deleted, err := service.DeleteAllEntries(ctx, *owner, *diary)
	if err != nil {
		fmt.Fprintf(errOut, "purge failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "deleted %d entries\n", deleted)
	return 0
}

func runStats(ctx context.Context, cfg config.Config, out, errOut io.Writer) int {
	service, closeAll, err := buildService(ctx, cfg)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeAll()

	stats, err := service.Stats(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "stats failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "entries=%d owners=%d dates=%d\n", stats.Entries, stats.Owners, stats.DistinctDates)
	return 0
}

// buildService wires the configured store, locker and optional object store,
// the same stack the API embeds.
func buildService(ctx context.Context, cfg config.Config) (*app.Service, func(), error) {
	var dataStore store.Store
	switch cfg.Driver {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
	case "sqlite":
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		dataStore = store.NewSQLiteStore(db)
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	closers := []func(){func() { _ = dataStore.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var locks grouplock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for group leases")
		redisLocker, err := grouplock.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		closers = append(closers, func() { _ = redisLocker.Close() })
		locks = redisLocker
	} else {
		locks = grouplock.NewLocalLocker()
	}

	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		return app.New(cfg, dataStore, locks), closeAll, nil
	}

	blobs, err := blob.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL, cfg.PresignTTL)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("object store init failed: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("object store bucket check failed: %w", err)
	}
	return app.NewWithBlobStore(cfg, dataStore, locks, blobs), closeAll, nil
}
