package status

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// File names inside a build directory.
const (
	SQLiteFile = "build_status.db"
	YAMLFile   = "build_status.yaml"
)

// Options selects and configures the store for one build.
type Options struct {
	Backend string
	// Dir is the build directory the status file lives in.
	Dir string
	// Redis, when Addr is set, mirrors every write to Redis.
	Redis  RedisOptions
	Logger zerolog.Logger
}

// FilePath returns the status file Open would use for opts.
func FilePath(opts Options) string {
	if opts.Backend == BackendFile {
		return filepath.Join(opts.Dir, YAMLFile)
	}
	return filepath.Join(opts.Dir, SQLiteFile)
}

// Open creates the store for a build.
func Open(ctx context.Context, opts Options) (Store, error) {
	var primary Store
	switch opts.Backend {
	case "", BackendSQLite:
		s, err := NewSQLiteStore(ctx, FilePath(opts))
		if err != nil {
			return nil, err
		}
		primary = s
	case BackendFile:
		s, err := NewFileStore(FilePath(opts))
		if err != nil {
			return nil, err
		}
		primary = s
	default:
		return nil, fmt.Errorf("unknown status backend %q", opts.Backend)
	}

	if opts.Redis.Addr == "" {
		return primary, nil
	}

	secondary, err := NewRedisStore(ctx, opts.Redis, opts.Logger)
	if err != nil {
		// The build stays usable without its dashboard mirror.
		opts.Logger.Warn().Err(err).Msg("redis mirror disabled")
		return primary, nil
	}
	return NewMirror(primary, secondary, opts.Logger), nil
}
