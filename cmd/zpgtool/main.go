package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zpowergraph/internal/config"
	db "zpowergraph/internal/db"
	"zpowergraph/internal/logging"
	"zpowergraph/internal/migrate"
	"zpowergraph/internal/modules/power/repository"
)

const usage = `usage: %s <command>
  migrate                          apply pending schema migrations
  readings <device> [from] [to]    print readings as JSON lines (RFC3339 bounds, default last 24h)
`

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	if _, err := config.LoadDotEnv(envOr("DOTENV_PATH", ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadStoreFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries command output
	logger := logging.NewWriter(os.Stderr, cfg, version, "zpgtool")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, args []string) error {
	conn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	switch args[0] {
	case "migrate":
		applied, err := migrate.Run(ctx, conn, logger)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "migrations applied: %d\n", applied)
		return err
	case "readings":
		from, to, err := parseRange(args[1:], time.Now())
		if err != nil {
			return err
		}
		repo := repository.NewRepository(conn, logger)
		enc := json.NewEncoder(out)
		for rec, err := range repo.QueryRange(ctx, args[1], from, to) {
			if err != nil {
				return err
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// parseRange reads "<device> [from] [to]".
func parseRange(args []string, now time.Time) (from, to time.Time, err error) {
	if len(args) < 1 || args[0] == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing device")
	}
	if len(args) > 3 {
		return time.Time{}, time.Time{}, fmt.Errorf("too many arguments")
	}
	to = now.UTC()
	if len(args) == 3 {
		if to, err = time.Parse(time.RFC3339, args[2]); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to %q (expected RFC3339)", args[2])
		}
	}
	from = to.Add(-24 * time.Hour)
	if len(args) >= 2 {
		if from, err = time.Parse(time.RFC3339, args[1]); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from %q (expected RFC3339)", args[1])
		}
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be <= to")
	}
	return from.UTC(), to.UTC(), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
