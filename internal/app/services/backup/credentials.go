package backup

import (
	"context"

	infracrypto "github.com/meridianlabs/netvault/infrastructure/crypto"
	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
)

const credentialEnvelopeInfo = "netvault-credential-set-v1"

// Credentials is a resolved (username, password) pair. Password is kept in
// memory only for the duration of a single device's backup and must never
// be logged, published on the progress bus, or persisted in a Result.
type Credentials struct {
	Username string
	Password string
}

// CredentialSetStore loads a credential set by id.
type CredentialSetStore interface {
	GetCredentialSet(ctx context.Context, id string) (backup.CredentialSet, error)
}

// Resolver implements the credential resolution order from spec §4.3:
// device-specific set, then process-wide fallback, then NoCredentials.
type Resolver struct {
	store     CredentialSetStore
	masterKey []byte
	fallback  *Credentials // nil if no fallback configured at boot
}

// NewResolver builds a Resolver. masterKey must be the 32-byte envelope key
// supplied at process boot; fallback may be nil.
func NewResolver(store CredentialSetStore, masterKey []byte, fallback *Credentials) *Resolver {
	return &Resolver{store: store, masterKey: masterKey, fallback: fallback}
}

// Resolve returns credentials for device, or a *errors.ServiceError wrapping
// NoCredentials / CredentialDecryptError.
func (r *Resolver) Resolve(ctx context.Context, device backup.Device) (Credentials, error) {
	if device.CredentialSetID != "" {
		set, err := r.store.GetCredentialSet(ctx, device.CredentialSetID)
		if err != nil {
			return Credentials{}, svcerrors.NoCredentials(device.ID)
		}

		plaintext, err := infracrypto.DecryptEnvelope(r.masterKey, []byte(set.ID), credentialEnvelopeInfo, []byte(set.SealedPassword))
		if err != nil {
			return Credentials{}, svcerrors.CredentialDecryptError(device.ID, err)
		}
		return Credentials{Username: set.Username, Password: string(plaintext)}, nil
	}

	if r.fallback != nil && r.fallback.Username != "" && r.fallback.Password != "" {
		return *r.fallback, nil
	}

	return Credentials{}, svcerrors.NoCredentials(device.ID)
}

// Seal encrypts password for storage as a CredentialSet.SealedPassword,
// the inverse of the decryption path in Resolve. Used by inventory
// management (outside this engine's scope) and by tests that need to
// construct a round-trippable fixture.
func Seal(masterKey []byte, credentialSetID, password string) (string, error) {
	ciphertext, err := infracrypto.EncryptEnvelope(masterKey, []byte(credentialSetID), credentialEnvelopeInfo, []byte(password))
	if err != nil {
		return "", err
	}
	return string(ciphertext), nil
}
