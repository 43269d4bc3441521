package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/models"
)

// fileRecord is the on-disk shape of the credential.
// expires_at is kept as unix seconds, same representation the token
// endpoint uses, so the file can be bootstrapped by hand from the initial
// authorization response.
type fileRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// FileStore keeps the credential in a single JSON file
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (models.Credential, error) {
	var cred models.Credential

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cred, fmt.Errorf("%w: token file %q not found", apperrors.ErrCredentialMissing, s.path)
	case err != nil:
		return cred, fmt.Errorf("reading token file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return cred, fmt.Errorf("decoding token file: %w", err)
	}
	if rec.AccessToken == "" || rec.RefreshToken == "" || rec.ExpiresAt == 0 {
		return cred, fmt.Errorf("%w: token file %q incomplete", apperrors.ErrCredentialMissing, s.path)
	}

	return models.Credential{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    time.Unix(rec.ExpiresAt, 0),
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
	}, nil
}

// Save writes the credential with write-to-temp-then-rename, so readers
// observe either the previous or the new record and never a partial one
func (s *FileStore) Save(_ context.Context, cred models.Credential) error {
	rec := fileRecord{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt.Unix(),
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() // nolint:errcheck
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() // nolint:errcheck
		return fmt.Errorf("writing temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() // nolint:errcheck
		return fmt.Errorf("syncing temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp token file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}

	return nil
}
