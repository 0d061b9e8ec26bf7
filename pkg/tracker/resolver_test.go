package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

func TestResolverSingleOutstandingLookup(t *testing.T) {
	dir := newFakeDirectory(map[string]models.ZoneBinding{"AA:BB": plazaNorte})
	dir.gate = make(chan struct{})
	res := NewResolver(dir, time.Second, discardLogger())

	var mu sync.Mutex
	var opened []models.ZoneBinding
	open := func(b models.ZoneBinding) {
		mu.Lock()
		opened = append(opened, b)
		mu.Unlock()
	}
	notActive := func() bool { return false }

	var wg sync.WaitGroup
	results := make([]Admission, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = res.Submit("AA:BB", notActive, open)
		}(i)
	}
	wg.Wait()

	lookups := 0
	for _, a := range results {
		if a == AdmitLookup {
			lookups++
		} else {
			assert.Equal(t, AdmitDropped, a)
		}
	}
	assert.Equal(t, 1, lookups)
	assert.True(t, res.Pending("AA:BB"))

	close(dir.gate)
	res.Wait()

	assert.Equal(t, 1, dir.Calls("AA:BB"))
	assert.False(t, res.Pending("AA:BB"))
	require.Len(t, opened, 1)
	assert.Equal(t, plazaNorte, opened[0])
}

func TestResolverReleasesPendingOnEveryOutcome(t *testing.T) {
	tests := []struct {
		name     string
		bindings map[string]models.ZoneBinding
		err      error
		opens    bool
	}{
		{"bound", map[string]models.ZoneBinding{"AA:BB": plazaNorte}, nil, true},
		{"unknown", nil, nil, false},
		{"no zone", map[string]models.ZoneBinding{"AA:BB": {ZoneID: 0, ZoneName: ""}}, nil, false},
		{"lookup error", nil, errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newFakeDirectory(tt.bindings)
			dir.SetErr(tt.err)
			res := NewResolver(dir, time.Second, discardLogger())

			opened := 0
			open := func(models.ZoneBinding) { opened++ }

			assert.Equal(t, AdmitLookup, res.Submit("AA:BB", func() bool { return false }, open))
			res.Wait()
			assert.False(t, res.Pending("AA:BB"))
			assert.Equal(t, tt.opens, opened == 1)

			// Eligible again on the next sighting.
			assert.Equal(t, AdmitLookup, res.Submit("AA:BB", func() bool { return false }, open))
			res.Wait()
			assert.Equal(t, 2, dir.Calls("AA:BB"))
		})
	}
}

func TestResolverTouchesActiveSession(t *testing.T) {
	dir := newFakeDirectory(nil)
	res := NewResolver(dir, time.Second, discardLogger())

	a := res.Submit("AA:BB", func() bool { return true }, func(models.ZoneBinding) {
		t.Fatal("open must not be called for an active identity")
	})
	assert.Equal(t, AdmitTouched, a)
	assert.Zero(t, dir.Calls("AA:BB"))
}

func TestResolverResetKeepsNewerPending(t *testing.T) {
	dir := newFakeDirectory(nil)
	first := make(chan struct{})
	dir.gate = first
	res := NewResolver(dir, time.Second, discardLogger())
	never := func() bool { return false }
	noop := func(models.ZoneBinding) {}

	require.Equal(t, AdmitLookup, res.Submit("AA:BB", never, noop))
	require.Eventually(t, func() bool { return dir.Calls("AA:BB") == 1 }, time.Second, time.Millisecond)
	res.Reset()
	assert.Zero(t, res.PendingCount())

	dir.mu.Lock()
	dir.gate = make(chan struct{})
	second := dir.gate
	dir.mu.Unlock()
	require.Equal(t, AdmitLookup, res.Submit("AA:BB", never, noop))

	// The first lookup finishing must not release the second one.
	close(first)
	require.Eventually(t, func() bool { return dir.Calls("AA:BB") == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, res.Pending("AA:BB"))

	close(second)
	res.Wait()
	assert.False(t, res.Pending("AA:BB"))
}

func TestResolverLookupTimeout(t *testing.T) {
	dir := newFakeDirectory(map[string]models.ZoneBinding{"AA:BB": plazaNorte})
	dir.gate = make(chan struct{})
	res := NewResolver(dir, 20*time.Millisecond, discardLogger())

	opened := false
	res.Submit("AA:BB", func() bool { return false }, func(models.ZoneBinding) { opened = true })
	res.Wait()

	assert.False(t, opened)
	assert.False(t, res.Pending("AA:BB"))
}
