package pv

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTimeout indicates a channel did not answer within the I/O timeout.
	ErrTimeout = errors.New("pv: channel i/o timed out")

	// ErrUnknownChannel indicates a read of a name the transport does not
	// know.
	ErrUnknownChannel = errors.New("pv: unknown channel")
)

// Channel reads and writes named hardware channels. Read reports whether
// the device behind the channel is powered.
type Channel interface {
	Read(ctx context.Context, name string) (value float64, powered bool, err error)
	Write(ctx context.Context, name string, value float64) error
}

// PowerName returns the STATON companion of a PV name.
func PowerName(name string) string {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name + ":STATON"
	}
	return name[:i] + ":STATON"
}

// Field returns name with its last segment replaced by field.
func Field(name, field string) string {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name + ":" + field
	}
	return name[:i+1] + field
}
