// Command migrate manages the lineage schema.
//
//	migrate up            apply pending SQL migrations (AutoMigrate on sqlite)
//	migrate auto          sync tables from the GORM models
//	migrate status        list migrations and whether they are applied
//	migrate down VERSION  revert the latest applied migration
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"lineage/internal/config"
	"lineage/internal/database"
	"lineage/internal/middleware"
)

var errUsage = errors.New("usage: migrate <up|auto|status|down VERSION>")

func main() {
	flag.Parse()
	if err := run(context.Background(), flag.Args()); err != nil {
		middleware.Logger.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	// the SQL scripts are written for postgres
	if args[0] == "auto" || (args[0] == "up" && cfg.DBDriver == "sqlite") {
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
		middleware.Logger.Info("models synced", slog.String("driver", cfg.DBDriver))
		return nil
	}

	migrator, err := database.NewMigrator(db)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		ran, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		middleware.Logger.Info("migrations applied", slog.Int("count", len(ran)))
	case "status":
		states, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range states {
			state := "pending"
			switch {
			case st.Drifted:
				state = "EDITED AFTER APPLY"
			case st.Applied:
				state = "applied " + st.AppliedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s\t%s\n", st.Migration, state)
		}
	case "down":
		if len(args) < 2 {
			return errUsage
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := migrator.Down(ctx, version); err != nil {
			return err
		}
		middleware.Logger.Info("migration reverted", slog.Int("version", version))
	default:
		return errUsage
	}
	return nil
}
