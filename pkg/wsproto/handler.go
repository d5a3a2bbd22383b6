package wsproto

import "context"

// Handler is the interface for WebSocket frame handlers
type Handler interface {
	// Handle processes a WebSocket frame and returns an optional reply
	Handle(ctx context.Context, f *Frame) (*Frame, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, f *Frame) (*Frame, error)

// Handle implements the Handler interface
func (fn HandlerFunc) Handle(ctx context.Context, f *Frame) (*Frame, error) {
	return fn(ctx, f)
}

// Dispatcher routes frames to appropriate handlers based on frame type
type Dispatcher struct {
	handlers map[FrameType]Handler
}

// NewDispatcher creates a new frame dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[FrameType]Handler),
	}
}

// Register registers a handler for a frame type
func (d *Dispatcher) Register(t FrameType, handler Handler) {
	d.handlers[t] = handler
}

// RegisterFunc registers a handler function for a frame type
func (d *Dispatcher) RegisterFunc(t FrameType, handler HandlerFunc) {
	d.handlers[t] = handler
}

// Dispatch routes a frame to the appropriate handler. Unrecognized frame
// types produce an error frame rather than an error so the session stays up.
func (d *Dispatcher) Dispatch(ctx context.Context, f *Frame) (*Frame, error) {
	handler, ok := d.handlers[f.Type]
	if !ok {
		return NewError(ErrorCodeUnknownType, "unknown frame type: "+string(f.Type)), nil
	}
	return handler.Handle(ctx, f)
}

// HasHandler returns true if a handler is registered for the frame type
func (d *Dispatcher) HasHandler(t FrameType) bool {
	_, ok := d.handlers[t]
	return ok
}
