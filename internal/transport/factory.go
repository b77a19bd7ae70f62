package transport

import (
	"context"
	"fmt"

	"syftsync/internal/config"
	"syftsync/internal/sync"
)

// NewBindingFromConfig creates a Binding based on the transport config type.
// Transport identity is this explicit registry; nothing is derived from Go
// type names.
func NewBindingFromConfig(ctx context.Context, cfg config.TransportConfig, localEmail string) (sync.Binding, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryMedium().Binding(localEmail), nil
	case "filesystem":
		if cfg.SharedRoot == "" {
			return nil, fmt.Errorf("filesystem transport requires shared_root to be set")
		}
		return NewFileSystemBinding(cfg.Name, cfg.SharedRoot, localEmail)
	case "s3":
		return NewS3Binding(ctx, cfg, localEmail)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
