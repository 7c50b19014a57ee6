package openai

import (
	"gembalance/internal/config"
	"gembalance/internal/keypool"
	"gembalance/internal/upstream"
)

// Handler aggregates shared dependencies for the OpenAI-compatible surface.
type Handler struct {
	cfg     *config.Manager
	pool    *keypool.Manager
	client  *upstream.Client
	catalog *upstream.Catalog
}

// New constructs the OpenAI-compatible handler set.
func New(cfg *config.Manager, pool *keypool.Manager, client *upstream.Client) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    pool,
		client:  client,
		catalog: upstream.NewCatalog(),
	}
}

// Route handlers live in split files:
// - chat.go: ChatCompletions rotation loop (non-streaming)
// - stream.go: streaming passthrough
// - models.go: ListModels/GetModel
// - passthrough.go: Embeddings/Images
// - validate.go: request validation and reasoning_effort translation
