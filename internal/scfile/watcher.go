package scfile

import (
	"context"
	"os"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Change reports that a watched file was modified, or could not be checked.
type Change struct {
	Path string
	Info os.FileInfo
	Err  error
}

// Watcher detects changes to a set of files. seeds maps each path to the
// modification time already known to the caller. The channel is closed
// once ctx is done.
type Watcher interface {
	Watch(ctx context.Context, seeds map[string]time.Time) <-chan Change
}

// PollingWatcher stats every path on a fixed interval and reports those
// whose mtime moved forward.
type PollingWatcher struct {
	fs       afero.Fs
	interval time.Duration
	logger   *zap.Logger
}

func NewPollingWatcher(fs afero.Fs, interval time.Duration, logger *zap.Logger) *PollingWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollingWatcher{fs: fs, interval: interval, logger: logger}
}

func (w *PollingWatcher) Watch(ctx context.Context, seeds map[string]time.Time) <-chan Change {
	last := make(map[string]time.Time, len(seeds))
	for p, t := range seeds {
		last[p] = t
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Debug("File polling started", zap.Int("files", len(last)), zap.Duration("interval", w.interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			for path, seen := range last {
				st, err := w.fs.Stat(path)
				var ch Change
				switch {
				case err != nil:
					ch = Change{Path: path, Err: err}
				case st.ModTime().After(seen):
					last[path] = st.ModTime()
					ch = Change{Path: path, Info: st}
				default:
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
