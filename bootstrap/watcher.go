package bootstrap

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// manifestWatcher reloads the manifest when its file changes or on
// SIGHUP.
type manifestWatcher struct {
	path    string
	reload  func() error
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func newManifestWatcher(path string, reload func() error, logger zerolog.Logger) (*manifestWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory (more reliable for editors that do atomic saves)
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	return &manifestWatcher{
		path:    absPath,
		reload:  reload,
		logger:  logger,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching for file changes and SIGHUP.
func (w *manifestWatcher) Start() {
	go w.watchLoop()
	go w.signalLoop()
	w.logger.Info().Str("path", w.path).Msg("watching manifest file for changes")
}

// Stop stops watching for file changes and signals.
func (w *manifestWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *manifestWatcher) watchLoop() {
	filename := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// React to write or create (atomic save = create)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("manifest file changed")
				if err := w.reload(); err != nil {
					w.logger.Error().Err(err).Msg("manifest reload failed, keeping current")
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *manifestWatcher) signalLoop() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	for {
		select {
		case <-sigCh:
			w.logger.Info().Msg("received SIGHUP, reloading manifest")
			if err := w.reload(); err != nil {
				w.logger.Error().Err(err).Msg("SIGHUP reload failed, keeping current")
			}
		case <-w.stopCh:
			signal.Stop(sigCh)
			return
		}
	}
}
