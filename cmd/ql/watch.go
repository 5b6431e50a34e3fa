package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"quorumledger/internal/config"
)

// watchConfig calls onChange with the reloaded config each time
// quorumledger.yml is written. Invalid edits are logged and skipped. The
// directory is watched rather than the file so editors that replace the
// file on save are still seen.
func watchConfig(ctx context.Context, workspace string, logger *slog.Logger, onChange func(*config.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(config.Path(workspace))
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target || evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := config.Load(workspace)
				if err != nil {
					logger.Warn("config reload skipped", "error", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher", "error", err)
			}
		}
	}()
	return nil
}
