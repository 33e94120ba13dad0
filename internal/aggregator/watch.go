package aggregator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// DefaultDebounce is how long Watch waits after the last write before
// re-aggregating.
const DefaultDebounce = 2 * time.Second

// Watch re-aggregates testID whenever one of its result files changes and
// hands each snapshot to onUpdate. It runs an initial aggregation if files
// already exist, then blocks until ctx is done.
func (a *Aggregator) Watch(ctx context.Context, testID string, debounce time.Duration, onUpdate func(*model.AggregatedStats)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := a.logger()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(a.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", a.Dir, err)
	}

	refresh := func() {
		st, err := a.AggregateTest(ctx, testID)
		switch {
		case errors.Is(err, ErrNoResults):
			logger.Debug("no results yet", zap.String("test_id", testID))
		case err != nil:
			logger.Warn("aggregation failed", zap.String("test_id", testID), zap.Error(err))
		default:
			onUpdate(st)
		}
	}
	refresh()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isResultFile(ev.Name, testID) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			refresh()
		}
	}
}

func isResultFile(path, testID string) bool {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, testID+"_") {
		return false
	}
	_, _, ok := model.TestIDFromResultsFile(path)
	return ok
}
