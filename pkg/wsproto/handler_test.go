package wsproto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesByType(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(FramePing, func(ctx context.Context, f *Frame) (*Frame, error) {
		return NewFrame(FramePong, nil)
	})

	reply, err := d.Dispatch(context.Background(), &Frame{Type: FramePing})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, FramePong, reply.Type)
}

func TestDispatchUnknownTypeReturnsErrorFrame(t *testing.T) {
	d := NewDispatcher()

	reply, err := d.Dispatch(context.Background(), &Frame{Type: "teleport"})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, FrameError, reply.Type)

	var p ErrorPayload
	require.NoError(t, reply.ParsePayload(&p))
	assert.Equal(t, ErrorCodeUnknownType, p.Code)
	assert.Contains(t, p.Message, "teleport")
}

func TestFramePayloadRoundTrip(t *testing.T) {
	f, err := NewFrame(FrameStartTask, ChatPayload{Content: "compare the two designs"})
	require.NoError(t, err)
	assert.False(t, f.Timestamp.IsZero())

	var p ChatPayload
	require.NoError(t, f.ParsePayload(&p))
	assert.Equal(t, "compare the two designs", p.Content)

	// nil payload parses as a no-op
	empty := &Frame{Type: FramePing}
	require.NoError(t, empty.ParsePayload(&p))
}
