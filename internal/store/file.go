package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	filePrefix = "copilot-"
	fileSuffix = ".json"
)

// FileStore keeps each credential in {dir}/copilot-{githubUser}.json.
type FileStore struct {
	dir   string
	locks keyedLock
}

// NewFileStore returns a store rooted at dir. A leading ~ is expanded.
func NewFileStore(dir string) (*FileStore, error) {
	expanded := util.ExpandHome(dir)
	if expanded == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "auth directory is required", nil)
	}
	return &FileStore{dir: expanded}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the credential file path of user. File names use the lowercased login.
func (s *FileStore) Path(user string) string {
	return filepath.Join(s.dir, filePrefix+strings.ToLower(user)+fileSuffix)
}

// UserFromPath returns the lowercased user key encoded in a credential file name, or
// false when name is not a credential file.
func UserFromPath(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	user := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
	key, err := userKey(user)
	if err != nil {
		return "", false
	}
	return key, true
}

// variants returns the files of key whose names differ in case from Path(key), as left
// by older releases that kept the login's case in the file name.
func (s *FileStore) variants(key string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	canonical := filepath.Base(s.Path(key))
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == canonical {
			continue
		}
		if user, ok := UserFromPath(entry.Name()); ok && user == key {
			out = append(out, filepath.Join(s.dir, entry.Name()))
		}
	}
	return out, nil
}

// Save writes cred atomically, replacing any previous record of the same user.
func (s *FileStore) Save(ctx context.Context, cred copilot.Credential) error {
	cred, err := validateCredential(cred)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	key := strings.ToLower(cred.GitHubUser)
	unlock := s.locks.lock(key)
	defer unlock()

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to encode credential", err)
	}
	path := s.Path(key)
	log.Infof("Saving credentials to %s", path)
	if err = writeFileAtomic(path, data); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}

	stale, err := s.variants(key)
	if err != nil {
		log.Warnf("failed to look for old credential files of %s: %v", cred.GitHubUser, err)
	}
	written, _ := os.Stat(path)
	for _, old := range stale {
		// Case-insensitive file systems report the file just written under its old name.
		if info, errStat := os.Stat(old); errStat == nil && written != nil && os.SameFile(info, written) {
			continue
		}
		if errRemove := os.Remove(old); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			log.Warnf("failed to remove old credential file %s: %v", old, errRemove)
		}
	}
	return nil
}

// Load reads the credential of user. The lookup ignores case.
func (s *FileStore) Load(ctx context.Context, user string) (*copilot.Credential, error) {
	key, err := userKey(user)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	cred, err := readCredential(s.Path(key))
	if err == nil || !errors.Is(err, apperrors.ErrNotFound) {
		return cred, err
	}
	stale, errList := s.variants(key)
	if errList != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list auth directory", errList)
	}
	var newest *copilot.Credential
	for _, path := range stale {
		c, errRead := readCredential(path)
		if errRead != nil {
			continue
		}
		if newest == nil || c.CreatedAt > newest.CreatedAt {
			newest = c
		}
	}
	if newest == nil {
		return nil, err
	}
	return newest, nil
}

// Delete removes the credential of user whatever the case of its file name. Deleting a
// missing record is not an error.
func (s *FileStore) Delete(ctx context.Context, user string) error {
	key, err := userKey(user)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	stale, err := s.variants(key)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to delete credential for %s", user)
	}
	for _, path := range append([]string{s.Path(key)}, stale...) {
		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to delete credential for %s", user)
		}
	}
	return nil
}

// List returns every readable credential, newest first and one per user. Unreadable
// files are skipped.
func (s *FileStore) List(ctx context.Context) ([]copilot.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list auth directory", err)
	}

	var out []copilot.Credential
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := UserFromPath(entry.Name())
		if !ok {
			continue
		}
		unlock := s.locks.lock(key)
		cred, errRead := readCredential(filepath.Join(s.dir, entry.Name()))
		unlock()
		if errRead != nil {
			if !errors.Is(errRead, apperrors.ErrNotFound) {
				log.Warnf("skipping credential file %s: %v", entry.Name(), errRead)
			}
			continue
		}
		out = append(out, *cred)
	}
	sortCredentials(out)
	return dedupeCredentials(out), nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func readCredential(path string) (*copilot.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, nil, "no credential at %s", path)
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read credential", err)
	}
	var cred copilot.Credential
	if err = json.Unmarshal(data, &cred); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorage, err, "failed to decode %s", filepath.Base(path))
	}
	if user, ok := UserFromPath(path); ok && cred.GitHubUser == "" {
		cred.GitHubUser = user
	}
	return &cred, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs it and
// renames it over path, so readers see either the old or the new record.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
