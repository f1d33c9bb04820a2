package component

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name      string
	initErr   error
	startErr  error
	stopErr   error
	initCount int
	started   bool
	stopped   bool
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Initialize() error {
	f.initCount++
	return f.initErr
}

func (f *fakeComponent) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeComponent) Stop(_ time.Duration) error {
	f.stopped = true
	return f.stopErr
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestManager_StartStopOrder(t *testing.T) {
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b"}

	m := NewManager()
	m.Add(a)
	m.Add(b)

	require.NoError(t, m.StartAll(context.Background(), time.Second))
	assert.True(t, a.started)
	assert.True(t, b.started)
	assert.Equal(t, StateStarted, m.States()["a"])

	require.NoError(t, m.StopAll(time.Second))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
	assert.Equal(t, StateStopped, m.States()["b"])
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b", startErr: fmt.Errorf("boom")}

	m := NewManager()
	m.Add(a)
	m.Add(b)

	err := m.StartAll(context.Background(), time.Second)
	require.Error(t, err)

	// a was started before b failed, so it must be stopped again.
	assert.True(t, a.stopped)
	assert.Equal(t, StateFailed, m.States()["b"])
}

func TestManager_InitFailure(t *testing.T) {
	a := &fakeComponent{name: "a", initErr: fmt.Errorf("bad config")}

	m := NewManager()
	m.Add(a)

	err := m.StartAll(context.Background(), time.Second)
	require.Error(t, err)
	assert.False(t, a.started)
	assert.Equal(t, StateFailed, m.States()["a"])
}

func TestManager_StopAllReportsFirstError(t *testing.T) {
	a := &fakeComponent{name: "a", stopErr: fmt.Errorf("stuck")}
	b := &fakeComponent{name: "b"}

	m := NewManager()
	m.Add(a)
	m.Add(b)

	require.NoError(t, m.StartAll(context.Background(), time.Second))

	err := m.StopAll(time.Second)
	require.Error(t, err)
	assert.True(t, b.stopped, "later components still stop after an earlier error")
}
