// Package flow routes decrypted WhatsApp Flows data exchange requests to
// screen handlers.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Actions sent by the WhatsApp client.
const (
	ActionPing         = "ping"
	ActionInit         = "INIT"
	ActionDataExchange = "data_exchange"
	ActionBack         = "BACK"
)

var (
	// ErrUnknownAction is returned for actions the endpoint does not serve.
	ErrUnknownAction = errors.New("unknown flow action")
	// ErrNoHandler is returned when no handler matches and there is no default.
	ErrNoHandler = errors.New("no flow handler registered")
	// ErrMalformedRequest is returned when the decrypted payload is not a flow request.
	ErrMalformedRequest = errors.New("malformed flow request")
)

// Request is a decrypted Flow endpoint request.
type Request struct {
	Version   string         `json:"version"`
	Action    string         `json:"action"`
	Screen    string         `json:"screen,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	FlowToken string         `json:"flow_token,omitempty"`
}

// Response is encrypted and returned to the WhatsApp client. Screen is
// empty for health checks and error acknowledgements.
type Response struct {
	Screen string         `json:"screen,omitempty"`
	Data   map[string]any `json:"data"`
}

// Handler produces the next screen for a request.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type route struct {
	action string
	screen string
}

// Router dispatches requests by (action, screen). It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[route]Handler
	fallback Handler
}

// NewRouter creates a Router. fallback serves INIT, data_exchange and BACK
// requests without a specific handler; it may be nil.
func NewRouter(fallback Handler) *Router {
	return &Router{handlers: make(map[route]Handler), fallback: fallback}
}

// Register associates a handler with an action and screen. INIT requests
// carry no screen, so register them with screen "".
func (r *Router) Register(action, screen string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[route{action: action, screen: screen}] = h
}

// Lookup returns the handler for action and screen, falling back to the default.
func (r *Router) Lookup(action, screen string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[route{action: action, screen: screen}]; ok {
		return h, true
	}
	return r.fallback, r.fallback != nil
}

// Decode parses a decrypted request payload.
func Decode(raw json.RawMessage) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.Action == "" {
		return Request{}, fmt.Errorf("%w: missing action", ErrMalformedRequest)
	}
	return req, nil
}

// Route answers a request. Health checks and client error notifications are
// answered directly; everything else goes to the registered handler.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	if req.Action == ActionPing {
		return Response{Data: map[string]any{"status": "active"}}, nil
	}
	if _, ok := req.Data["error"]; ok {
		slog.Warn("Router.Route: client reported flow error", "screen", req.Screen, "error", req.Data["error"], "error_message", req.Data["error_message"])
		return Response{Data: map[string]any{"acknowledged": true}}, nil
	}

	switch req.Action {
	case ActionInit, ActionDataExchange, ActionBack:
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	h, ok := r.Lookup(req.Action, req.Screen)
	if !ok {
		return Response{}, fmt.Errorf("%w for %s/%s", ErrNoHandler, req.Action, req.Screen)
	}
	resp, err := h.Handle(ctx, req)
	if err != nil {
		slog.Error("Router.Route: handler error", "action", req.Action, "screen", req.Screen, "error", err)
		return Response{}, err
	}
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	slog.Debug("Router.Route: routed", "action", req.Action, "screen", req.Screen, "next_screen", resp.Screen)
	return resp, nil
}
