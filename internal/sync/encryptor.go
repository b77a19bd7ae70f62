package sync

import "io"

// EncryptedExt marks archive blobs encrypted at rest. It is appended to the
// blob name after ArchiveExt.
const EncryptedExt = ".age"

// Encryptor provides optional at-rest encryption of message archives.
// Archives are encrypted to the recipient's public key, which peers exchange
// when the relationship is established.
type Encryptor interface {
	// Setup generates the local key pair, protecting the private key with
	// the passphrase.
	Setup(passphrase string) error

	// IsConfigured reports whether a local key pair exists.
	IsConfigured() bool

	// PublicKey returns the local public key for sharing with peers.
	PublicKey() (string, error)

	// Encrypt writes ciphertext of r to w for the given recipient key.
	Encrypt(recipientKey string, r io.Reader, w io.Writer) error

	// Unlock decrypts the private key with the passphrase and returns a
	// context for decrypting inbound blobs.
	Unlock(passphrase string) (DecryptionContext, error)
}

// DecryptionContext holds an unlocked identity for decrypting data.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
