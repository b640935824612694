// Command gateway runs one MudVault Mesh gateway instance: it loads
// configuration from the environment, dials the shared Redis-backed
// store, wires every internal component, and serves the mesh protocol
// until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mudvault/mesh/internal/config"
	"github.com/mudvault/mesh/internal/gateway"
	"github.com/mudvault/mesh/internal/logging"
	"github.com/mudvault/mesh/internal/store"
)

func main() {
	useMemoryStore := flag.Bool("memory-store", false, "use an in-process store instead of Redis (development only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	var st store.Store
	if *useMemoryStore {
		st = store.NewMemoryStore()
		log.Warn().Msg("using in-process memory store; state will not be shared across gateway instances")
	} else {
		rs, err := store.NewRedisStore(store.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDatabase,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to shared store")
		}
		st = rs
	}

	sup, err := gateway.New(cfg, log, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct gateway supervisor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sc
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway exited with error")
	}
}
