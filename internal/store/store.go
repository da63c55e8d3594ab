package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/cryostat/internal/config"
)

var (
	// ErrNotFound indicates no configuration record exists for a loop.
	ErrNotFound = errors.New("store: loop not found")

	// ErrUnknownDriver indicates an unsupported store driver name.
	ErrUnknownDriver = errors.New("store: unknown driver")

	// ErrClosed indicates use of a store after Close.
	ErrClosed = errors.New("store: closed")
)

// Store holds one configuration record and one status string per loop.
type Store interface {
	ReadLoopConfig(ctx context.Context, id string) (config.LoopConfig, error)
	WriteLoopConfig(ctx context.Context, id string, cfg config.LoopConfig) error
	WriteLoopStatus(ctx context.Context, id string, status string) error
	LoopStatus(ctx context.Context, id string) (string, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

func Open(driver, path string, logger *zap.Logger) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(path, logger)
	case "sqlite":
		return NewSQLite(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// Seed writes the default configuration of every device that has no record
// yet and returns the ids it created.
func Seed(ctx context.Context, st Store, devices []config.Device) ([]string, error) {
	var created []string
	for _, dev := range devices {
		_, err := st.ReadLoopConfig(ctx, dev.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		if err := st.WriteLoopConfig(ctx, dev.ID, dev.Defaults); err != nil {
			return created, err
		}
		created = append(created, dev.ID)
	}
	return created, nil
}

// Disable clears the enabled flag of a loop record, if any.
func Disable(ctx context.Context, st Store, id string) error {
	cfg, err := st.ReadLoopConfig(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	cfg.Enabled = false
	return st.WriteLoopConfig(ctx, id, cfg)
}
