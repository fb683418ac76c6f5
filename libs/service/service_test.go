package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testService struct {
	BaseService
	startErr error
	starts   int
	stops    int
}

func newTestService(startErr error) *testService {
	ts := &testService{startErr: startErr}
	ts.BaseService = *NewBaseService(nil, "TestService", ts)
	return ts
}

func (ts *testService) OnStart() error {
	ts.starts++
	return ts.startErr
}

func (ts *testService) OnStop() { ts.stops++ }

func TestBaseServiceLifecycle(t *testing.T) {
	ts := newTestService(nil)
	assert.False(t, ts.IsRunning())
	assert.ErrorIs(t, ts.Stop(), ErrNotStarted)

	require.NoError(t, ts.Start())
	assert.True(t, ts.IsRunning())
	assert.ErrorIs(t, ts.Start(), ErrAlreadyStarted)

	require.NoError(t, ts.Stop())
	assert.False(t, ts.IsRunning())
	select {
	case <-ts.Quit():
	default:
		t.Fatal("quit channel should be closed after Stop")
	}

	assert.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	assert.ErrorIs(t, ts.Start(), ErrAlreadyStopped)
	assert.Equal(t, 1, ts.starts)
	assert.Equal(t, 1, ts.stops)
	assert.Equal(t, "TestService", ts.String())
}

func TestBaseServiceStartFailureCanRetry(t *testing.T) {
	boom := errors.New("boom")
	ts := newTestService(boom)

	assert.ErrorIs(t, ts.Start(), boom)
	assert.False(t, ts.IsRunning())

	ts.startErr = nil
	require.NoError(t, ts.Start())
	assert.True(t, ts.IsRunning())
	assert.Equal(t, 2, ts.starts)
}
