package odoo

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPasswordFile watches a mounted credential file and invokes onRotate
// with each new password until ctx is cancelled. The parent directory is
// watched rather than the file itself so atomic replace-by-rename (secret
// mounts, editors) is observed. Transient read failures during a rotation
// are logged and retried on the next event; unchanged content is ignored.
func WatchPasswordFile(ctx context.Context, path string, log *slog.Logger, onRotate func(password string)) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	current, err := ReadPasswordFile(path)
	if err != nil {
		return err
	}
	target := filepath.Clean(path)

	log.InfoContext(ctx, "odoo.credentials.watching", slog.String("path", path))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			password, err := ReadPasswordFile(path)
			if err != nil {
				log.WarnContext(ctx, "odoo.credentials.reload_failed",
					slog.String("path", path),
					slog.String("err", err.Error()))
				continue
			}
			if password == current {
				continue
			}
			current = password
			log.InfoContext(ctx, "odoo.credentials.rotated", slog.String("path", path))
			onRotate(password)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "odoo.credentials.watch_error", slog.String("err", err.Error()))
		}
	}
}
