package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/shareq/internal/share"
)

const DefaultInboxDebounce = 500 * time.Millisecond

// Inbox captures every file dropped into a directory as a background share.
type Inbox struct {
	dir      string
	surface  Surface
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	timers    map[string]*time.Timer
	processed map[string]bool
	wg        sync.WaitGroup
}

// NewInbox creates an inbox for dir. Files are captured once they have not
// changed for debounce.
func NewInbox(dir string, surface Surface, debounce time.Duration) *Inbox {
	if debounce <= 0 {
		debounce = DefaultInboxDebounce
	}
	return &Inbox{
		dir:       dir,
		surface:   surface,
		debounce:  debounce,
		logger:    slog.Default(),
		timers:    make(map[string]*time.Timer),
		processed: make(map[string]bool),
	}
}

// Run watches the directory until ctx is cancelled. Files already present are
// captured at start.
func (in *Inbox) Run(ctx context.Context) error {
	dir, err := filepath.Abs(in.dir)
	if err != nil {
		return fmt.Errorf("resolving inbox dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", dir, err)
	}
	in.logger.Info("watching inbox", "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		in.schedule(ctx, filepath.Join(dir, e.Name()))
	}

	defer in.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				in.schedule(ctx, event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				in.cancel(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

func (in *Inbox) schedule(ctx context.Context, path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.processed[path] {
		return
	}
	if t, ok := in.timers[path]; ok {
		// A timer that already fired is capturing the file now.
		if t.Stop() {
			t.Reset(in.debounce)
		}
		return
	}
	in.wg.Add(1)
	in.timers[path] = time.AfterFunc(in.debounce, func() {
		defer in.wg.Done()
		in.capture(ctx, path)
	})
}

func (in *Inbox) cancel(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.timers[path]; ok {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.timers, path)
	}
}

func (in *Inbox) stop() {
	in.mu.Lock()
	for path, t := range in.timers {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.timers, path)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Inbox) capture(ctx context.Context, path string) {
	in.mu.Lock()
	delete(in.timers, path)
	if in.processed[path] || ctx.Err() != nil {
		in.mu.Unlock()
		return
	}
	in.processed[path] = true
	in.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		in.forget(path)
		return
	}

	c := share.New(share.KindForPath(path), share.OriginBackground)
	c.PayloadRef = path
	c.Title = filepath.Base(path)
	c.Metadata = map[string]string{
		"file.name": filepath.Base(path),
		"file.size": strconv.FormatInt(info.Size(), 10),
	}

	id, err := in.surface.OnContentCaptured(ctx, c)
	if err != nil {
		in.logger.Warn("inbox capture failed", "path", path, "error", err)
		in.forget(path)
		return
	}
	in.logger.Info("inbox file captured", "path", path, "id", id, "kind", c.Kind)
}

func (in *Inbox) forget(path string) {
	in.mu.Lock()
	delete(in.processed, path)
	in.mu.Unlock()
}
