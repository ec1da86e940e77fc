// Package blob provides the snapshot archive backends: Google Cloud Storage
// for deployments, the local filesystem and memory for development.
package blob

import (
	"context"
	"fmt"

	"github.com/applypilot/applypilot/internal/engine"
)

// Provider names accepted by Open.
const (
	ProviderGCS    = "gcs"
	ProviderLocal  = "local"
	ProviderMemory = "memory"
	ProviderNone   = "none"
)

// Config selects and parameterizes a snapshot backend.
type Config struct {
	Provider string
	Bucket   string
	BaseDir  string
}

// Open constructs the configured blob store. ProviderNone (or an empty
// provider) returns nil, which disables snapshot archiving.
func Open(ctx context.Context, cfg Config) (engine.BlobStore, error) {
	switch cfg.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderGCS:
		return NewGCS(ctx, cfg.Bucket)
	case ProviderLocal:
		return NewLocal(cfg.BaseDir)
	case ProviderMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}
