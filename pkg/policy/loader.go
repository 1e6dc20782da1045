package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from disk. A .rego file is a policy on its own; a
// .json, .yaml or .yml file is a Policy document with the module inline.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// NewLoader creates a loader that logs through logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy under paths, in path order. A missing
// path or a broken file named directly is an error; broken files found
// while walking a directory are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, root)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk policy directory %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// loadFromFile parses one file. Results are cached until the file's
// modification time changes.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Policy
	switch ext := filepath.Ext(path); ext {
	case ".rego":
		p = Policy{
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Enabled:     true,
		}
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}

	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, errors.New("policy " + p.Name + " has no rego module")
	}
	// Only policies compiled into netstate are builtin.
	p.Builtin = false
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return &p, nil
}

// leadingComment joins the comment lines at the top of a Rego module.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line == "" && len(words) == 0 {
				continue
			}
			break
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

// Watch reloads paths after policy files change and hands the result to
// reload. It returns once the watcher is running; watching stops when ctx
// is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		for _, dir := range watchDirs(path) {
			if err := watcher.Add(dir); err != nil {
				l.logger.Warn().Err(err).Str("path", dir).Msg("Cannot watch policy path")
				continue
			}
			watched++
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return errors.New("no policy path could be watched")
	}

	go l.watchLoop(ctx, watcher, paths, reload)
	l.logger.Info().Int("directories", watched).Msg("Watching policy files")
	return nil
}

// watchDirs lists the directories to watch for path. Files are watched
// through their parent so that editors replacing the file are still seen.
func watchDirs(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return []string{filepath.Dir(path)}
	}
	var dirs []string
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
		}
	}
}
