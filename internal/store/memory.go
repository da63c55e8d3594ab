package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/cryostat/internal/config"
)

type Memory struct {
	mu      sync.RWMutex
	configs map[string]config.LoopConfig
	status  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		configs: make(map[string]config.LoopConfig),
		status:  make(map[string]string),
	}
}

func (m *Memory) ReadLoopConfig(ctx context.Context, id string) (config.LoopConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return config.LoopConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg, nil
}

func (m *Memory) WriteLoopConfig(ctx context.Context, id string, cfg config.LoopConfig) error {
	m.mu.Lock()
	m.configs[id] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) WriteLoopStatus(ctx context.Context, id string, status string) error {
	m.mu.Lock()
	m.status[id] = status
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoopStatus(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.status[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }
