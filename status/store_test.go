package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw   string
		want  State
		known bool
	}{
		{"good", Connected, true},
		{"GOOD", Connected, true},
		{"Available", Connected, true},
		{"bad", Disconnected, true},
		{"error", Disconnected, true},
		{"unavailable", Disconnected, true},
		{"starting", Error, false},
		{"", Error, false},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := Normalize(tc.raw)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.known, ok)
		})
	}
}

func TestUpdate(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var snaps []Snapshot
	s.AddListener(func(sn Snapshot) {
		mu.Lock()
		snaps = append(snaps, sn)
		mu.Unlock()
	})

	msg, err := ParseMessage([]byte(`{"seq":3,"ts":"2024-01-01T00:00:00Z",
		"connector":{"status":"good"},
		"connections":[{"name":"plc","status":"available"},{"name":"press","status":"bad"}]}`))
	require.NoError(t, err)

	assert.True(t, s.Update(msg))
	assert.False(t, s.Update(msg), "same message twice")

	snap := s.Snapshot()
	assert.Equal(t, Connected, snap[KeyConnector])
	assert.Equal(t, Connected, snap["plc"])
	assert.Equal(t, Disconnected, snap["press"])
	assert.Equal(t, Disconnected, snap[KeyDatabus])
	assert.Equal(t, Disconnected, snap[KeyLogotronic])
	assert.Equal(t, []string{"plc", "press"}, s.Names())

	mu.Lock()
	assert.Len(t, snaps, 1)
	mu.Unlock()
}

func TestUpdateWithoutConnectorIgnored(t *testing.T) {
	s := NewStore()
	msg, err := ParseMessage([]byte(`{"connections":[{"name":"plc","status":"good"}]}`))
	require.NoError(t, err)

	assert.False(t, s.Update(msg))
	assert.Empty(t, s.Names())
}

func TestSetters(t *testing.T) {
	s := NewStore()
	calls := 0
	id := s.AddListener(func(Snapshot) { calls++ })

	s.SetDatabus(Connected)
	s.SetDatabus(Connected)
	s.SetLogotronic(Error)
	assert.Equal(t, 2, calls)
	assert.Equal(t, Connected, s.Databus())
	assert.Equal(t, Error, s.Logotronic())

	s.RemoveListener(id)
	s.SetLogotronic(Connected)
	assert.Equal(t, 2, calls)
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []map[string]interface{}
	err   error
}

func (f *fakePublisher) PublishTags(v map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, v)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type tagSet map[string]bool

func (t tagSet) ValueByName(name string) (interface{}, bool) {
	return nil, t[name]
}

var allHealthTags = tagSet{HealthPLCTag: true, HealthServerTag: true, HealthAppTag: true}

func TestPublishHealth(t *testing.T) {
	t.Run("skipped while databus down", func(t *testing.T) {
		s := NewStore()
		pub := &fakePublisher{}
		require.NoError(t, s.PublishHealth(pub, allHealthTags))
		assert.Zero(t, pub.count())
	})

	t.Run("skipped until tags declared", func(t *testing.T) {
		s := NewStore()
		s.SetDatabus(Connected)
		pub := &fakePublisher{}
		require.NoError(t, s.PublishHealth(pub, tagSet{HealthPLCTag: true}))
		assert.Zero(t, pub.count())
	})

	t.Run("values", func(t *testing.T) {
		s := NewStore()
		s.SetDatabus(Connected)
		s.SetLogotronic(Connected)
		pub := &fakePublisher{}
		require.NoError(t, s.PublishHealth(pub, allHealthTags))
		require.Equal(t, 1, pub.count())
		assert.Equal(t, map[string]interface{}{
			HealthPLCTag:    0,
			HealthServerTag: 1,
			HealthAppTag:    1,
		}, pub.calls[0])
	})

	t.Run("publish error wrapped", func(t *testing.T) {
		s := NewStore()
		s.SetDatabus(Connected)
		boom := errors.New("boom")
		err := s.PublishHealth(&fakePublisher{err: boom}, allHealthTags)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRunHealth(t *testing.T) {
	s := NewStore()
	s.SetDatabus(Connected)
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunHealth(ctx, 10*time.Millisecond, pub, allHealthTags) }()

	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunHealth did not return after cancel")
	}
}
