package export

import (
	"errors"
	"fmt"
	"time"
)

// MaxSlicesPerWindow bounds how many storage buckets one join may touch.
const MaxSlicesPerWindow = 10000

// Config holds the join's time parameters.
type Config struct {
	// Window is how far back a join reads records.
	Window time.Duration
	// SliceDuration is the width of a storage time bucket.
	SliceDuration time.Duration
	// Timeout is how long an export may stay incomplete.
	Timeout time.Duration
	// PollInterval is the background join cadence.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:        48 * time.Hour,
		SliceDuration: time.Hour,
		Timeout:       24 * time.Hour,
		PollInterval:  30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SliceDuration < time.Second:
		return errors.New("export: slice duration must be at least 1s")
	case c.Timeout <= 0:
		return errors.New("export: timeout must be positive")
	case c.Window < c.Timeout:
		return errors.New("export: window must cover the timeout")
	case c.PollInterval <= 0:
		return errors.New("export: poll interval must be positive")
	case c.Window/c.SliceDuration > MaxSlicesPerWindow:
		return fmt.Errorf("export: window %s spans more than %d slices of %s", c.Window, MaxSlicesPerWindow, c.SliceDuration)
	}
	return nil
}

// SliceOf returns the time bucket t falls in.
func (c Config) SliceOf(t time.Time) int64 {
	return t.UnixMilli() / c.SliceDuration.Milliseconds()
}
