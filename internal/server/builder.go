package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"gembalance/internal/config"
	adminh "gembalance/internal/handlers/admin"
	oh "gembalance/internal/handlers/openai"
	"gembalance/internal/keypool"
	mw "gembalance/internal/middleware"
	"gembalance/internal/upstream"
)

// Dependencies are the runtime services the HTTP engine is built from.
type Dependencies struct {
	Config   *config.Manager
	Pool     *keypool.Manager
	Store    keypool.Store
	Upstream *upstream.Client
}

// KeySpecs converts the credential document into pool specs.
func KeySpecs(keys []config.KeyConfig) []keypool.KeySpec {
	out := make([]keypool.KeySpec, 0, len(keys))
	for _, k := range keys {
		out = append(out, keypool.KeySpec{
			Name:     k.Name,
			Secret:   k.Key,
			Weight:   k.Weight,
			Cooldown: time.Duration(k.CooldownSeconds) * time.Second,
		})
	}
	return out
}

// BuildEngine constructs the Gin engine with the full middleware chain and
// all route groups mounted.
func BuildEngine(deps Dependencies) *gin.Engine {
	view := deps.Config.Current()
	if view.Policy.Proxy.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		mw.RequestID(),
		mw.RequestLogger(),
		mw.Recovery(),
		mw.Metrics(),
		mw.RateLimiter(view.Policy.Proxy.RateLimitPerSecond, view.Policy.Proxy.RateLimitBurst),
	)

	openaiHandler := oh.New(deps.Config, deps.Pool, deps.Upstream)
	adminHandler := adminh.New(deps.Config, deps.Pool, deps.Store, func(ctx context.Context) keypool.ReconcileResult {
		return deps.Pool.Reconcile(ctx, KeySpecs(deps.Config.Current().Keys))
	})

	registerRoutes(engine, deps, openaiHandler, adminHandler)
	return engine
}
