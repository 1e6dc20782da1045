package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultDebounce is used when [watch] debounce is zero.
const defaultDebounce = 500 * time.Millisecond

// Watch applies the desired state at path once, then again every time it
// changes, until ctx is cancelled. Changes are debounced by the configured
// interval. Failed runs are logged and watching continues. When enabled,
// the metrics endpoint is served and policy files are reloaded while
// watching.
func (a *Agent) Watch(ctx context.Context, path string) error {
	path, err := a.desiredPath(path)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent so editors that replace the file are still seen.
	dir := abs
	if !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if a.tel.Metrics.Enabled() {
		go func() {
			if err := a.tel.Metrics.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}
	if a.policies != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			log.Warn().Err(err).Msg("Policy hot reload disabled")
		}
	}

	debounce := a.cfg.Watch.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	log.Info().Str("path", abs).Dur("debounce", debounce).Msg("Watching desired state")
	a.applyLogged(ctx, abs)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("path", abs).Msg("Stopped watching desired state")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, abs, info.IsDir()) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Desired state changed")
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-timer.C:
			a.applyLogged(ctx, abs)
		}
	}
}

func (a *Agent) applyLogged(ctx context.Context, path string) {
	report, err := a.Apply(ctx, path)
	if err != nil {
		// Apply already logged the failure with its run ID.
		return
	}
	log.Info().
		Str("run_id", report.RunID).
		Str("outcome", report.Outcome).
		Int("diffs", len(report.Diffs)).
		Msg("Watch cycle finished")
}

// relevant reports whether event touches the watched document.
func relevant(event fsnotify.Event, path string, dir bool) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if dir {
		return filepath.Ext(event.Name) == ".cue"
	}
	return filepath.Clean(event.Name) == path
}
