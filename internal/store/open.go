package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/util"
)

// Open returns the credential store selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config) (CredentialStore, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Type)) {
	case "", config.StoreTypeFile:
		return NewFileStore(cfg.AuthDir)
	case config.StoreTypeSQLite:
		dsn := strings.TrimSpace(cfg.Store.DSN)
		if dsn == "" {
			dsn = filepath.Join(util.ExpandHome(cfg.AuthDir), DefaultSQLiteFile)
		}
		return NewSQLiteStore(ctx, dsn)
	case config.StoreTypePostgres:
		return NewPostgresStore(ctx, strings.TrimSpace(cfg.Store.DSN))
	default:
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "unknown store type %q", cfg.Store.Type)
	}
}
