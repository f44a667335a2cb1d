package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/pkg/proto"
)

func TestNext(t *testing.T) {
	tests := []struct {
		state State
		mode  proto.Mode
		want  State
	}{
		{StateStart, "", StatePreanalysis},
		{StatePreanalysis, proto.ModeGeneralChat, StateEnd},
		{StatePreanalysis, proto.ModeCodebaseChat, StateAnalyze},
		{StatePreanalysis, proto.ModeChangeRequest, StateAnalyze},
		{StatePreanalysis, "", StateEnd},
		{StateAnalyze, proto.ModeCodebaseChat, StateEnd},
		{StateAnalyze, proto.ModeChangeRequest, StateGenerate},
		{StateAnalyze, proto.ModeValidationFeedback, StateGenerate},
		{StateGenerate, proto.ModeChangeRequest, StateValidation},
		{StateValidation, proto.ModeValidationFeedback, StateAnalyze},
		{StateValidation, proto.ModeChangeRequest, StateEnd},
		{StateEnd, proto.ModeChangeRequest, StateEnd},
	}
	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+string(tt.mode), func(t *testing.T) {
			got := Next(tt.state, tt.mode)
			assert.Equal(t, tt.want, got)
			if tt.state != StateEnd {
				assert.True(t, IsValidTransition(tt.state, got))
			}
		})
	}
}

// Walking Next for a fixed mode never reaches Generate unless the mode
// generates.
func TestGenerateOnlyForGeneratingModes(t *testing.T) {
	for _, mode := range []proto.Mode{proto.ModeGeneralChat, proto.ModeCodebaseChat, proto.ModeChangeRequest} {
		path := []State{StateStart}
		for s := StateStart; s != StateEnd; {
			s = Next(s, mode)
			path = append(path, s)
			require.Less(t, len(path), 10, "mode %s does not terminate", mode)
		}
		require.NoError(t, ValidatePath(path))
		assert.Equal(t, mode.Generates(), contains(path, StateGenerate), "mode %s path %v", mode, path)
	}
}

func contains(path []State, s State) bool {
	for _, p := range path {
		if p == s {
			return true
		}
	}
	return false
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath([]State{StateStart, StatePreanalysis, StateEnd}))
	assert.Error(t, ValidatePath([]State{StateStart, StatePreanalysis, StateGenerate, StateEnd}))
	assert.Error(t, ValidatePath([]State{StatePreanalysis, StateEnd}))
	assert.Error(t, ValidatePath([]State{StateStart}))
}

func TestStateNode(t *testing.T) {
	assert.Equal(t, "preanalysis", StatePreanalysis.Node())
	assert.Equal(t, "validation", StateValidation.Node())
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	// another key is independent
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "a")
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()
	unlock() // second call is a no-op
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Zero(t, k.Len())
}
