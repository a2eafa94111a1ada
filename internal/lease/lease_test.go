package lease

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideResolution(t *testing.T) {
	p, err := Build(Config{Default: 30 * time.Second, Overrides: map[string]time.Duration{"Agent-A": 60 * time.Second}})
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, p.GetLeaseDuration("agent-a"))
	assert.Equal(t, 60*time.Second, p.GetLeaseDuration(" AGENT-A "))
	assert.Equal(t, 30*time.Second, p.GetLeaseDuration("agent-b"))
}

func TestBuildValidation(t *testing.T) {
	_, err := Build(Config{})
	assert.Error(t, err)
	_, err = Build(Config{Default: time.Second, Overrides: map[string]time.Duration{"a": 0}})
	assert.Error(t, err)
	_, err = Build(Config{Default: time.Second, Min: time.Minute, Max: time.Second})
	assert.Error(t, err)
	_, err = Build(Config{Default: time.Second, Min: time.Minute, Max: time.Hour})
	assert.Error(t, err, "default below min")
	_, err = Build(Config{Default: 2 * time.Hour, Min: time.Minute, Max: time.Hour})
	assert.Error(t, err, "default above max")
	_, err = Build(Config{Default: time.Minute, Min: time.Minute, Max: time.Hour})
	assert.NoError(t, err)
}

func TestResolveClamps(t *testing.T) {
	p, err := Build(Config{Default: 30 * time.Second, Min: 5 * time.Second, Max: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, p.Resolve("x", 0))
	assert.Equal(t, 5*time.Second, p.Resolve("x", time.Second))
	assert.Equal(t, 10*time.Minute, p.Resolve("x", time.Hour))
	assert.Equal(t, 2*time.Minute, p.Resolve("x", 2*time.Minute))
}

func TestRefreshKeepsTableOnError(t *testing.T) {
	p, err := Build(Config{Default: 30 * time.Second})
	require.NoError(t, err)
	require.Error(t, p.Refresh(Config{Default: -1}))
	assert.Equal(t, 30*time.Second, p.GetLeaseDuration("a"))

	require.NoError(t, p.Refresh(Config{Default: time.Minute, Overrides: map[string]time.Duration{"a": time.Hour}}))
	assert.Equal(t, time.Hour, p.GetLeaseDuration("a"))
	assert.Equal(t, time.Minute, p.GetLeaseDuration("b"))
}

func TestRefreshUnderConcurrentReads(t *testing.T) {
	p, err := Build(Config{Default: 30 * time.Second})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d := p.GetLeaseDuration(agent)
				if d != 30*time.Second && d != 45*time.Second {
					t.Errorf("torn read: %s", d)
					return
				}
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	for i := 0; i < 100; i++ {
		def := 30 * time.Second
		if i%2 == 0 {
			def = 45 * time.Second
		}
		require.NoError(t, p.Refresh(Config{Default: def}))
	}
	close(stop)
	wg.Wait()
}
