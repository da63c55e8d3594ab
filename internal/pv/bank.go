package pv

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Bank is an in-memory channel set. It backs the simulated plant and
// tests.
type Bank struct {
	mu      sync.RWMutex
	values  map[string]float64
	failing map[string]error
	writes  map[string]int
}

func NewBank() *Bank {
	return &Bank{
		values:  make(map[string]float64),
		failing: make(map[string]error),
		writes:  make(map[string]int),
	}
}

// Set stores a value without counting it as a write.
func (b *Bank) Set(name string, value float64) {
	b.mu.Lock()
	b.values[name] = value
	b.mu.Unlock()
}

func (b *Bank) Get(name string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[name]
	return v, ok
}

// SetPowered sets the STATON companion of name.
func (b *Bank) SetPowered(name string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	b.Set(PowerName(name), v)
}

// Fail makes every read and write of name return err. A nil err clears it.
func (b *Bank) Fail(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, name)
		return
	}
	b.failing[name] = err
}

// Writes returns how many times name was written through Write.
func (b *Bank) Writes(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes[name]
}

func (b *Bank) Names() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.values))
	for name := range b.values {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (b *Bank) Read(ctx context.Context, name string) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.failing[name]; err != nil {
		return 0, false, err
	}
	v, ok := b.values[name]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	powered := true
	if status, ok := b.values[PowerName(name)]; ok {
		powered = status != 0
	}
	return v, powered, nil
}

func (b *Bank) Write(ctx context.Context, name string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing[name]; err != nil {
		return err
	}
	b.values[name] = value
	b.writes[name]++
	return nil
}
