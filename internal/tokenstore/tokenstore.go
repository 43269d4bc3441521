package tokenstore

import (
	"context"

	"github.com/stravalytics/stravasync/internal/models"
)

// Store is the persistence contract for the pipeline credential.
// Implementations must replace the record atomically: a crashed writer may
// never leave a partial credential behind, and concurrent writers resolve
// to "last successful save wins".
type Store interface {
	// Load reads the stored credential
	// If no credential has ever been stored must return apperrors.ErrCredentialMissing
	Load(ctx context.Context) (models.Credential, error)

	// Save persists the credential durably
	Save(ctx context.Context, cred models.Credential) error
}
