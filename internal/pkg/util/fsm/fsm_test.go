package fsm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRealError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "no transition", err: fsm.NoTransitionError{}, want: false},
		{name: "canceled", err: fsm.CanceledError{}, want: false},
		{name: "wrapped canceled", err: fmt.Errorf("event: %w", fsm.CanceledError{}), want: false},
		{name: "invalid event", err: fsm.InvalidEventError{Event: "x", State: "y"}, want: true},
		{name: "plain", err: errors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRealError(tt.err))
		})
	}
}

func TestWrapEventPropagatesError(t *testing.T) {
	boom := errors.New("boom")

	machine := fsm.NewFSM("a",
		fsm.Events{
			{Name: "go", Src: []string{"a"}, Dst: "b"},
			{Name: "back", Src: []string{"b"}, Dst: "a"},
		},
		fsm.Callbacks{
			"before_go": WrapEvent(func(_ context.Context, e *fsm.Event) error {
				if len(e.Args) > 0 {
					e.Cancel(boom)
				}
				return nil
			}),
			"enter_a": WrapEvent(func(_ context.Context, e *fsm.Event) error {
				return boom
			}),
		},
	)

	err := machine.Event(context.Background(), "go", "refuse")
	require.Error(t, err)
	assert.False(t, IsRealError(err), "a guard cancel is not a real error")
	assert.Equal(t, "a", machine.Current())

	require.NoError(t, machine.Event(context.Background(), "go"))
	assert.Equal(t, "b", machine.Current())

	err = machine.Event(context.Background(), "back")
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsRealError(err))
	assert.Equal(t, "a", machine.Current(), "the transition completes before enter callbacks run")
}
