package policy

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchPolicyFile reloads the gateway's routing policy whenever the TOML
// document at path changes. It blocks until ctx is cancelled; run it in its
// own goroutine. A reload that fails to parse keeps the previous policy.
func WatchPolicyFile(ctx context.Context, g Gateway, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadPolicyFile(path)
			if err != nil {
				logger.Error("policy reload failed, keeping previous policy",
					zap.String("path", path), zap.Error(err))
				continue
			}
			g.SetPolicy(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("policy watcher error", zap.Error(err))
		}
	}
}
