package keylog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the key log file watcher.
type WatcherConfig struct {
	// PollInterval is the fallback polling interval when fsnotify is unavailable.
	// Default: 1 second
	PollInterval time.Duration

	// ReadBufferSize is the buffer size for reading key log data.
	// Default: 64KB
	ReadBufferSize int

	// MaxLineLength is the maximum length of a single key log line.
	// Default: 4KB
	MaxLineLength int
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:   1 * time.Second,
		ReadBufferSize: 64 * 1024,
		MaxLineLength:  4 * 1024,
	}
}

// Watcher tails a key log file for new entries and feeds them to a
// store via an Ingester. Truncation or replacement of the file resets
// the read offset so the new contents are picked up.
type Watcher struct {
	config    WatcherConfig
	ingester  *Ingester
	path      string
	offset    int64
	fsWatcher *fsnotify.Watcher
	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewWatcher creates a new key log file watcher feeding the given store.
func NewWatcher(path string, store *Store, config WatcherConfig) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWatcherConfig().PollInterval
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultWatcherConfig().ReadBufferSize
	}
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = DefaultWatcherConfig().MaxLineLength
	}

	return &Watcher{
		config:   config,
		ingester: NewIngester(store),
		path:     path,
		stopChan: make(chan struct{}),
	}
}

// Start begins watching the key log file.
// It first reads any existing content, then watches for new entries.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	// Try to use fsnotify
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to polling",
			"error", err)
		return w.startPolling(ctx)
	}
	w.fsWatcher = fsWatcher

	// Read existing content first (if file exists)
	if err := w.readNew(); err != nil {
		logger.Warn("failed to read existing key log",
			"path", w.path,
			"error", err)
	}

	// Start watching
	if err := w.fsWatcher.Add(w.path); err != nil {
		// File might not exist yet - watch the parent directory for CREATE events
		dir := filepath.Dir(w.path)
		if dirErr := w.fsWatcher.Add(dir); dirErr != nil {
			logger.Warn("failed to watch directory, falling back to polling",
				"path", w.path,
				"dir", dir,
				"error", dirErr)
			if cerr := w.fsWatcher.Close(); cerr != nil {
				logger.Error("failed to close fsnotify watcher", "error", cerr)
			}
			w.fsWatcher = nil
			return w.startPolling(ctx)
		}
		logger.Debug("file not found, watching directory for creation",
			"path", w.path,
			"dir", dir)
	}

	w.wg.Add(1)
	go w.fsWatchLoop(ctx)

	logger.Info("started key log file watcher",
		"path", w.path,
		"mode", "fsnotify")

	return nil
}

// startPolling watches using periodic polling.
func (w *Watcher) startPolling(ctx context.Context) error {
	if err := w.readNew(); err != nil {
		logger.Warn("failed to read existing key log",
			"path", w.path,
			"error", err)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	logger.Info("started key log file watcher",
		"path", w.path,
		"mode", "polling",
		"interval", w.config.PollInterval)

	return nil
}

// fsWatchLoop watches for file changes using fsnotify.
func (w *Watcher) fsWatchLoop(ctx context.Context) {
	defer w.wg.Done()

	targetPath, _ := filepath.Abs(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			eventPath, _ := filepath.Abs(event.Name)

			// If watching directory, only react to our target file
			if eventPath != targetPath {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// If file was just created, start watching it directly
				if event.Op&fsnotify.Create != 0 {
					if err := w.fsWatcher.Add(w.path); err == nil {
						logger.Debug("key log file created, now watching directly",
							"path", w.path)
					}
				}
				if err := w.readNew(); err != nil {
					logger.Warn("failed to read new key log entries",
						"error", err)
				}
			}
			if event.Op&fsnotify.Remove != 0 {
				// File was removed - reset offset
				w.mu.Lock()
				w.offset = 0
				w.mu.Unlock()
				logger.Debug("key log file removed, resetting offset")
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Warn("fsnotify error", "error", err)
		}
	}
}

// pollLoop watches for file changes using periodic polling.
func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	var lastModTime time.Time
	var lastSize int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Warn("failed to stat key log file",
						"path", w.path,
						"error", err)
				}
				continue
			}

			modTime := info.ModTime()
			size := info.Size()

			if modTime.After(lastModTime) || size > lastSize {
				if size < lastSize {
					// File was truncated or recreated - reset offset
					w.mu.Lock()
					w.offset = 0
					w.mu.Unlock()
					logger.Debug("key log file truncated, resetting offset")
				}

				if err := w.readNew(); err != nil {
					logger.Warn("failed to read new key log entries",
						"error", err)
				}

				lastModTime = modTime
				lastSize = size
			}
		}
	}
}

// readNew reads new entries from the file (from current offset).
func (w *Watcher) readNew() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist yet - that's fine
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Error("failed to close key log file", "error", cerr)
		}
	}()

	// Check if file was truncated
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() < w.offset {
		// File was truncated - read from beginning
		w.offset = 0
		logger.Debug("key log file truncated, reading from beginning")
	}

	if w.offset > 0 {
		if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, w.config.ReadBufferSize), w.config.MaxLineLength)

	newEntries := 0
	for scanner.Scan() {
		if w.ingester.ProcessLine(scanner.Text()) {
			newEntries++
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	// Update offset
	newOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to get offset: %w", err)
	}
	w.offset = newOffset

	if newEntries > 0 {
		logger.Debug("read new key log entries",
			"count", newEntries,
			"offset", w.offset)
	}

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logger.Error("failed to close fsnotify watcher", "error", err)
		}
	}

	w.wg.Wait()

	stats := w.ingester.Stats()
	logger.Info("stopped key log watcher",
		"path", w.path,
		"entries_added", stats.EntriesAdded)

	return nil
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	is := w.ingester.Stats()
	return WatcherStats{
		Path:         w.path,
		Offset:       w.offset,
		LinesRead:    is.LinesRead,
		EntriesAdded: is.EntriesAdded,
		LinesSkipped: is.LinesSkipped,
		Running:      w.running,
	}
}

// WatcherStats contains watcher statistics.
type WatcherStats struct {
	Path         string
	Offset       int64
	LinesRead    uint64
	EntriesAdded uint64
	LinesSkipped uint64
	Running      bool
}
