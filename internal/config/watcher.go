package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TokenWatcher reports a token file's new contents whenever it changes. The
// parent directory is watched so editors that replace the file by rename are
// still seen.
type TokenWatcher struct {
	path    string
	logger  *zap.Logger
	current string
}

func NewTokenWatcher(path string, logger *zap.Logger) (*TokenWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("token watcher requires a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	current, _ := ReadToken(abs)
	return &TokenWatcher{path: abs, logger: logger, current: current}, nil
}

// Run blocks until ctx ends, calling onToken with each distinct non-empty token.
func (w *TokenWatcher) Run(ctx context.Context, onToken func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload(onToken)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (w *TokenWatcher) reload(onToken func(string)) {
	token, err := ReadToken(w.path)
	if err != nil {
		w.logger.Debug("token file not readable yet", zap.Error(err))
		return
	}
	if token == "" || token == w.current {
		return
	}
	w.current = token
	w.logger.Info("token file changed", zap.String("path", w.path))
	if onToken != nil {
		onToken(token)
	}
}
