// Package room parses room service command flags and composes the service
// entrypoint.
package room

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/cardroom/internal/app"
	entrypoint "github.com/louisbranch/cardroom/internal/platform/cmd"
	"github.com/louisbranch/cardroom/internal/presence"
	"github.com/louisbranch/cardroom/internal/storage/sqlite"
)

// Config holds room service configuration.
type Config struct {
	HTTPAddr string `env:"CARDROOM_HTTP_ADDR" envDefault:":8080"`
	DBPath   string `env:"CARDROOM_DB_PATH"   envDefault:"cardroom.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "room HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens storage, wires the service, and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRoom, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		registry := presence.NewRegistry(time.Now)
		service := app.NewRoomService(store, registry, time.Now)
		if err := app.Run(ctx, app.Config{HTTPAddr: cfg.HTTPAddr}, service, store); err != nil {
			return fmt.Errorf("serve room: %w", err)
		}
		return nil
	})
}
