package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// fileState identifies one version of the secrets file. Secret mounts swap a
// ..data symlink instead of touching the file, so the resolved path is part of it.
type fileState struct {
	resolved string
	modTime  time.Time
	size     int64
}

func statSecrets(path string) (fileState, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fileState{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fileState{}, err
	}
	return fileState{
		resolved: resolved,
		modTime:  info.ModTime(),
		size:     info.Size(),
	}, nil
}

// Watch reloads the secrets file whenever it changes and hands the new users to onChange.
// Any event in the file's directory triggers a check, and the file is reloaded when it was
// written directly, or when its resolved path, mtime or size moved.
// A file that fails to parse, or lost its users table, is logged and skipped, so the
// previous users stay in effect.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(users map[string]string)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve secrets path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new secrets watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Errorf("close secrets watcher: %s", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch secrets dir: %w", err)
	}

	last, err := statSecrets(target)
	if err != nil {
		log.Warnf("stat secrets file: %s", err)
	}

	log.Debugf("watching secrets file: %s", target)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			current, err := statSecrets(target)
			if err != nil {
				// mid swap, or removed; the next event settles it
				log.Tracef("stat secrets file after [%s]: %s", event, err)
				continue
			}
			writtenDirectly := filepath.Clean(event.Name) == target && event.Has(fsnotify.Write)
			if current == last && !writtenDirectly {
				continue
			}
			last = current

			users, err := load(target, false)
			if err != nil {
				log.Errorf("reload secrets, keeping previous credentials: %s", err)
				continue
			}
			log.Infof("secrets reloaded from [%s], [%d] users", current.resolved, len(users))
			onChange(users)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("secrets watcher: %s", err)
		}
	}
}
