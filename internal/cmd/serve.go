package cmd

import (
	"context"
	"time"

	"github.com/router-for-me/copilotctl/internal/api"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/util"
	"github.com/router-for-me/copilotctl/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the management API until ctx is cancelled. With the file store the
// credential directory is watched so logins made by other processes are picked up. When
// the Copilot proxy is enabled it is started here and stopped on shutdown.
func Serve(ctx context.Context, rt *Runtime, opts ...api.ServerOption) error {
	srv := api.NewServer(rt.Config, rt.Session, opts...)

	var w *watcher.Watcher
	if rt.Config.Store.Type == config.StoreTypeFile {
		var err error
		w, err = watcher.New(watcher.Options{
			Dir: util.ExpandHome(rt.Config.AuthDir),
			OnChange: func(ctx context.Context) {
				if _, errRefresh := rt.Session.RefreshActiveUser(ctx); errRefresh != nil {
					log.Warnf("failed to reload copilot credentials: %v", errRefresh)
				}
			},
		})
		if err != nil {
			return err
		}
		if err = w.Start(ctx); err != nil {
			log.Warnf("credential directory is not watched: %v", err)
			w = nil
		}
	}

	startedProxy := false
	if rt.Session.Config().Enabled {
		if err := rt.Session.StartProxy(ctx); err != nil {
			log.Warnf("copilot proxy not started: %v", err)
		} else {
			startedProxy = true
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serveErr == nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warnf("%v", err)
		}
	}
	if w != nil {
		if err := w.Stop(); err != nil {
			log.Debugf("credential watcher: %v", err)
		}
	}
	if startedProxy {
		if err := rt.Session.StopProxy(shutdownCtx); err != nil {
			log.Warnf("failed to stop copilot proxy: %v", err)
		}
	}
	return serveErr
}
