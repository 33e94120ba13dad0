package packages

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// Loader resolves the package records for one ecosystem: from the metadata
// cache when repeating a run, otherwise by fetching versions for the
// configured names.
type Loader struct {
	Store   *Store
	Fetcher *Fetcher // nil: skip discovery, use fallback versions
	List    List     // overrides the built-in seeds per ecosystem
	Repeat  bool
	Logger  *zap.Logger
}

// Names returns the package names to use for eco.
func (l *Loader) Names(eco model.Ecosystem) []string {
	if names := l.List.Names(eco); len(names) > 0 {
		return names
	}
	return DefaultSeeds(eco)
}

// Load returns the records for eco and whether they came from the cache.
// Freshly fetched records are written back to the cache.
func (l *Loader) Load(ctx context.Context, eco model.Ecosystem, target registry.Target, testConfig map[string]interface{}) ([]model.PackageRecord, bool, error) {
	logger := l.logger()
	if l.Repeat && l.Store != nil {
		cache, err := l.Store.LoadMetadata(eco)
		switch {
		case err == nil:
			logger.Info("using cached metadata",
				zap.String("ecosystem", eco.String()),
				zap.Int("packages", len(cache.Metadata)),
				zap.String("timestamp", cache.Timestamp))
			return cache.Metadata, true, nil
		case errors.Is(err, ErrCacheMiss):
			logger.Info("no metadata cache, fetching", zap.String("ecosystem", eco.String()))
		default:
			logger.Warn("unreadable metadata cache, fetching", zap.String("ecosystem", eco.String()), zap.Error(err))
		}
	}

	names := l.Names(eco)
	var records []model.PackageRecord
	if l.Fetcher == nil {
		records = FallbackRecords(eco, names)
	} else {
		var err error
		records, err = l.Fetcher.Fetch(ctx, eco, target, names)
		if err != nil {
			return nil, false, err
		}
	}

	if l.Store != nil {
		path, err := l.Store.SaveMetadata(eco, records, testConfig)
		if err != nil {
			logger.Warn("could not write metadata cache", zap.String("path", path), zap.Error(err))
		} else {
			logger.Debug("metadata cache written", zap.String("path", path), zap.Int("packages", len(records)))
		}
	}
	return records, false, nil
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
