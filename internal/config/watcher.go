package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and the static command file.
// Directories are watched rather than files so editors that replace files
// by rename keep producing events.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(logger *slog.Logger, files ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cleaned := make([]string, 0, len(files))
	for _, f := range files {
		if f != "" {
			cleaned = append(cleaned, filepath.Clean(f))
		}
	}
	return &Watcher{
		files:  cleaned,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(w.files))
	dirs := make(map[string]bool)
	for _, file := range w.files {
		wanted[file] = true
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !wanted[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
