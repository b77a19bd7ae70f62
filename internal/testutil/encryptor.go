package testutil

import (
	"syftsync/internal/encryption"
	"syftsync/internal/sync"
)

// NewTestEncryptor creates a deterministic encryptor for testing.
func NewTestEncryptor() sync.Encryptor {
	return encryption.NewTestEncryptor()
}
