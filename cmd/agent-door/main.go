// cmd/agent-door/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaylacar/agent-door/internal/gateway"
	"github.com/kaylacar/agent-door/internal/registry"
	"github.com/kaylacar/agent-door/pkg/config"
	"github.com/kaylacar/agent-door/pkg/db"
	"github.com/kaylacar/agent-door/pkg/logger"
	"github.com/kaylacar/agent-door/pkg/policyfile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg)
	defer log.Sync()

	policy, err := policyfile.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatalw("policy file", "err", err)
	}

	reg, err := newRegistry(cfg, log)
	if err != nil {
		log.Fatalw("registry init", "err", err)
	}

	gw, err := gateway.New(cfg, log, reg, policy)
	if err != nil {
		log.Fatalw("gateway init", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		log.Errorw("gateway stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("agent-door stopped")
}

func newRegistry(cfg config.Config, log logger.Sugared) (registry.Registry, error) {
	if cfg.DatabaseURL == "" {
		return registry.NewFileStore(cfg.DataDir, log)
	}
	pool := db.MustConnect(cfg, log)
	return registry.NewPostgresStore(context.Background(), pool)
}
