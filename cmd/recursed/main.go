package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lc/recurse/internal/cache"
	"github.com/lc/recurse/internal/config"
	"github.com/lc/recurse/internal/engine"
	"github.com/lc/recurse/internal/filesys"
	"github.com/lc/recurse/internal/hints"
	"github.com/lc/recurse/internal/iterator"
	"github.com/lc/recurse/internal/log"
	"github.com/lc/recurse/internal/server"
	"github.com/lc/recurse/pkg/api"
)

func main() {
	// load config
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// root hints: compiled-in unless a hints file is configured
	rootHints := hints.Default()
	if cfg.Resolver.HintsFile != "" {
		rootHints, err = hints.Load(filesys.OsFS{}, cfg.Resolver.HintsFile)
		if err != nil {
			log.Fatalf("loading root hints: %v", err)
		}
	}

	// build deps
	msgs, err := cache.NewMessages(cfg.Cache.Messages)
	if err != nil {
		log.Fatalf("message cache: %v", err)
	}
	dels, err := cache.NewDelegations(cfg.Cache.Delegations)
	if err != nil {
		log.Fatalf("delegation cache: %v", err)
	}
	env, err := iterator.NewEnv(iterator.EnvConfig{
		MaxRestarts:  cfg.Resolver.MaxRestarts,
		MaxReferrals: cfg.Resolver.MaxReferrals,
		MaxDepth:     cfg.Resolver.MaxDepth,
		TargetFetch:  cfg.Resolver.TargetFetch,
		Forward:      cfg.Resolver.Forward,
		Hints:        rootHints,
	})
	if err != nil {
		log.Fatalf("resolver environment: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(env, msgs, dels, cfg.Resolver.UpstreamTimeout, cfg.Resolver.QueryDeadline)
	eng.Run(ctx)

	// DNS front end
	srv, err := server.New(eng, cfg.Server.Listen)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("dns listen: %v", err)
		}
	}()

	// start the api over unix socket
	apiSrv := api.New(eng)
	sockPath := cfg.Socket.Path

	go func() {
		if err := apiSrv.ListenAndServe(sockPath); err != nil {
			log.Fatalf("api listen: %v", err)
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	log.Info("shutting down…")

	shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("api shutdown error: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("dns shutdown error: %v", err)
	}
	cancel()
	eng.Close()
	env.Close()
}
