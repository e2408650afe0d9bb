package store

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceWindow absorbs the burst of events a single editor save produces.
const debounceWindow = 200 * time.Millisecond

// watcher reloads the store when accounts.json is edited by something other
// than the store itself. Writes the store performs are recognized by the
// selfWrites counter and skipped.
type watcher struct {
	store *Store
	fw    *fsnotify.Watcher

	mu       sync.Mutex
	lastSeen int64
	timer    *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func newWatcher(s *Store) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(s.path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &watcher{store: s, fw: fw, done: make(chan struct{})}
	w.lastSeen = s.selfWrites.Load()

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer w.wg.Done()
	target := filepath.Clean(w.store.path)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("accounts watcher error")
		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces and then reloads unless the event burst was the
// store's own write.
func (w *watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		current := w.store.selfWrites.Load()
		w.mu.Lock()
		seen := w.lastSeen
		w.lastSeen = current
		w.mu.Unlock()

		if current != seen {
			// One or more of the events were our own persist.
			return
		}
		if err := w.store.reload(); err != nil {
			log.Error().Err(err).Msg("reload accounts after external edit failed")
		}
	})
}

func (w *watcher) stop() {
	close(w.done)
	w.fw.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
}
