package cas

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the import directory watcher.
type WatcherConfig struct {
	// Dir is the directory to watch for new or changed files.
	Dir string
	// Debounce is how long to wait after the last event before
	// triggering a scan. Bursts of events coalesce into one scan.
	Debounce time.Duration
	// Logger for watcher activity. Defaults to stderr if nil.
	Logger *log.Logger
}

// Watcher monitors an import directory and triggers a catalog scan after
// file activity settles. It uses fsnotify for cross-platform event
// monitoring.
type Watcher struct {
	store   *Store
	cfg     WatcherConfig
	fsw     *fsnotify.Watcher
	results chan *ScanResult
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher over an import directory. The watcher must
// be started with Start() before it will trigger scans.
func NewWatcher(store *Store, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		store:   store,
		cfg:     cfg,
		fsw:     fsw,
		results: make(chan *ScanResult, 10),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the import directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// Results returns the channel carrying the outcome of each triggered scan.
func (w *Watcher) Results() <-chan *ScanResult {
	return w.results
}

// Errors returns the channel carrying watcher and scan errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// loop debounces fsnotify events into scan triggers. The timer restarts on
// every relevant event, so a burst of writes produces one scan.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			timer.Reset(w.cfg.Debounce)

		case <-timer.C:
			w.cfg.Logger.Printf("directory settled, scanning %s", w.cfg.Dir)
			result, err := w.store.Scan(ctx, w.cfg.Dir)
			if err != nil {
				w.report(err)
				continue
			}
			select {
			case w.results <- result:
			default:
				// Slow consumer; drop rather than stall the loop.
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// relevant filters out hidden files and events that cannot change catalog
// state.
func relevant(event fsnotify.Event) bool {
	base := event.Name
	if i := strings.LastIndexByte(base, os.PathSeparator); i >= 0 {
		base = base[i+1:]
	}
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
