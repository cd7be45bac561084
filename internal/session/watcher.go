package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher signals when a transcript in the session directory reaches a
// terminal state, so the work loop can reap without waiting a full interval.
type Watcher struct {
	reader   *Reader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	wake     chan struct{}
	logger   zerolog.Logger
}

// NewWatcher watches the reader's transcript directory.
func NewWatcher(reader *Reader, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(reader.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", reader.Dir(), err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		reader:   reader,
		watcher:  fw,
		debounce: debounce,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}, nil
}

// C delivers at most one pending wake-up at a time.
func (w *Watcher) C() <-chan struct{} {
	return w.wake
}

// Run processes filesystem events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			debounceTimer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			pending[event.Name] = struct{}{}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			paths := pending
			pending = make(map[string]struct{})
			for path := range paths {
				if w.finished(path) {
					w.signal()
					break
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("transcript watcher error")
		}
	}
}

func (w *Watcher) finished(path string) bool {
	snap, err := w.reader.InspectFile(path, 0)
	if err != nil {
		w.logger.Debug().Err(err).Str("path", path).Msg("inspect changed transcript")
		return false
	}
	return snap.IsDone()
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
