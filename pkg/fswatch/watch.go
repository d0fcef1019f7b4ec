// Package fswatch watches the save and state directories for changes.
package fswatch

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
)

var fs = afero.NewOsFs()

// Watch watches the given directories recursively. It sends an event on
// the returned channel whenever a file within them changes. Events are
// coalesced: the channel holds at most one pending notification, since
// the consumer re-scans everything anyway.
//
// Directories that don't exist yet are skipped; the periodic
// reconciliation tick covers them until they appear.
func Watch(dirs ...string) (chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, dir := range dirs {
		paths, err := subdirs(dir)
		if err != nil {
			log.WithError(err).WithField("dir", dir).
				Debug("Skipping unwatchable directory")
			continue
		}
		for _, path := range paths {
			if err := watcher.Add(path); err != nil {
				// Release the handles already registered.
				if closeErr := watcher.Close(); closeErr != nil {
					log.WithError(closeErr).Warn("Failed to close file watcher")
				}
				return nil, nil, errors.WithContext(err, "watch "+path)
			}
		}
	}

	stop := func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
	return combineUpdates(watcher.Events), stop, nil
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// subdirs returns dir and all its subdirectories, since fsnotify does
// not watch recursively.
func subdirs(dir string) ([]string, error) {
	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: dir}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return []string{filepath.Dir(dir)}, nil
	}

	var paths []string
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk")
		}
		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
