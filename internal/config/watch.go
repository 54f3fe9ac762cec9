package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// manifestDebounce coalesces the burst of events an editor save produces.
const manifestDebounce = 25 * time.Millisecond

// ManifestWatcher reloads the precache manifest when its file changes.
type ManifestWatcher struct {
	target   string
	fs       *fsnotify.Watcher
	onChange func(Manifest)
	onError  func(error)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// WatchManifest watches the manifest's directory, so atomic replace-by-rename
// saves are seen too. A manifest that fails to parse is reported through
// onError and the previous paths stay in effect.
func WatchManifest(ctx context.Context, path string, onChange func(Manifest), onError func(error)) (*ManifestWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch manifest requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no manifest file configured for watching")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve manifest file: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch manifest: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &ManifestWatcher{
		target:   filepath.Clean(abs),
		fs:       fsw,
		onChange: onChange,
		onError:  onError,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(watchCtx)
	return w, nil
}

// Stop ends the watch and waits for the loop to exit. Safe to call twice.
func (w *ManifestWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *ManifestWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fs.Close(); err != nil {
			w.report(fmt.Errorf("config: watch manifest close: %w", err))
		}
	}()

	debounce := time.NewTimer(manifestDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-debounce.C:
			w.reload(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.report(fmt.Errorf("config: manifest file %s removed", w.target))
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Reset drops an undelivered tick.
			debounce.Reset(manifestDebounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

func (w *ManifestWatcher) reload(ctx context.Context) {
	manifest, err := LoadManifest(ctx, w.target)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	w.onChange(manifest)
}

func (w *ManifestWatcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
