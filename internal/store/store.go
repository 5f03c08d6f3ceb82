// Package store persists Copilot credentials, one record per GitHub user.
package store

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
)

// CredentialStore saves, loads and deletes credentials keyed by GitHub user.
//
// Load returns an ErrNotFound error when no record exists and an ErrStorage error when
// the backend fails. Delete of a missing record succeeds.
type CredentialStore interface {
	Save(ctx context.Context, cred copilot.Credential) error
	Load(ctx context.Context, githubUser string) (*copilot.Credential, error)
	Delete(ctx context.Context, githubUser string) error
	List(ctx context.Context) ([]copilot.Credential, error)
	Close() error
}

// GitHub logins are alphanumeric with single hyphens; account keys used before the login
// is known may also carry dots and underscores.
var userPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// NormalizeUser trims user and rejects names that cannot be used as a storage key.
func NormalizeUser(user string) (string, error) {
	user = strings.TrimSpace(user)
	if !userPattern.MatchString(user) || strings.Contains(user, "..") {
		return "", apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "invalid github user %q", user)
	}
	return user, nil
}

// userKey returns the storage key of user. GitHub logins are case-insensitive, so records
// are keyed by the lowercased login while the record keeps the login as GitHub reports it.
func userKey(user string) (string, error) {
	user, err := NormalizeUser(user)
	if err != nil {
		return "", err
	}
	return strings.ToLower(user), nil
}

func validateCredential(cred copilot.Credential) (copilot.Credential, error) {
	user, err := NormalizeUser(cred.GitHubUser)
	if err != nil {
		return cred, err
	}
	cred.GitHubUser = user
	cred.GitHubToken = strings.TrimSpace(cred.GitHubToken)
	if cred.GitHubToken == "" {
		return cred, apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "credential for %q has no token", user)
	}
	return cred, nil
}

// Newest returns the credential with the latest CreatedAt, or nil when creds is empty.
// Ties are broken by user name.
func Newest(creds []copilot.Credential) *copilot.Credential {
	if len(creds) == 0 {
		return nil
	}
	sorted := append([]copilot.Credential(nil), creds...)
	sortCredentials(sorted)
	return &sorted[0]
}

// sortCredentials orders newest first, then by user.
func sortCredentials(creds []copilot.Credential) {
	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].CreatedAt != creds[j].CreatedAt {
			return creds[i].CreatedAt > creds[j].CreatedAt
		}
		return creds[i].GitHubUser < creds[j].GitHubUser
	})
}

// dedupeCredentials keeps the first record of every user key. creds must already be
// sorted newest first.
func dedupeCredentials(creds []copilot.Credential) []copilot.Credential {
	seen := make(map[string]struct{}, len(creds))
	out := creds[:0]
	for _, cred := range creds {
		key := strings.ToLower(cred.GitHubUser)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cred)
	}
	return out
}

// keyedLock serialises access per key. Distinct keys never contend.
type keyedLock struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *keyedLock) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(strings.ToLower(key), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
