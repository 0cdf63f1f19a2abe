package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/roach88/snapdb/internal/store"
)

// storeConfig builds the store config for path. Settings come from the
// --config file when given; a non-empty path overrides the file's path.
func storeConfig(opts *RootOptions, path string) (store.Config, error) {
	cfg := store.NewConfig(path)
	if opts.Config != "" {
		fc, err := store.LoadConfigFile(opts.Config)
		if err != nil {
			return store.Config{}, err
		}
		if cfg, err = fc.Config(); err != nil {
			return store.Config{}, fmt.Errorf("invalid config file: %w", err)
		}
		if path != "" {
			cfg.Path = path
		}
	}
	if cfg.Path == "" {
		return store.Config{}, fmt.Errorf("no store path given")
	}
	cfg.Logger = slog.Default()
	return cfg, nil
}

// existingStore is storeConfig for commands that must not create a store.
func existingStore(opts *RootOptions, path string) (store.Config, error) {
	cfg, err := storeConfig(opts, path)
	if err != nil {
		return store.Config{}, WrapExitError(ExitCommandError, "invalid store config", err)
	}
	if cfg.Durability == store.MemoryOnly {
		return cfg, nil
	}
	if _, err := os.Stat(cfg.Path); errors.Is(err, fs.ErrNotExist) {
		return store.Config{}, NewExitError(ExitCommandError, fmt.Sprintf("store not found: %s", cfg.Path))
	}
	return cfg, nil
}
