// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"

	"github.com/kaylacar/agent-door/pkg/config"
)

type Sugared = *zap.SugaredLogger

// New builds the gateway's structured logger from cfg. Every line carries
// "service":"agent-door" so logs stay identifiable once shipped alongside
// other services, and "admin_open":true is attached for the lifetime of the
// process whenever ADMIN_API_KEY is unset, so the fail-closed admin default
// is visible in every log line an operator might grep, not just at startup.
func New(cfg config.Config) Sugared {
	var z *zap.Logger
	if cfg.Env == "prod" {
		z, _ = zap.NewProduction()
	} else {
		z, _ = zap.NewDevelopment()
	}
	sugared := z.Sugar().With("service", "agent-door")
	if cfg.AdminOpen() {
		sugared = sugared.With("admin_open", true)
	}
	return sugared
}
