package flow

import (
	"context"
	"maps"
)

// StaticHandler always answers with the same screen. Data is copied per
// response and merged with the request's flow_token so later screens can
// correlate the session.
type StaticHandler struct {
	Screen string
	Data   map[string]any
}

// Handle returns the configured screen.
func (s *StaticHandler) Handle(ctx context.Context, req Request) (Response, error) {
	data := make(map[string]any, len(s.Data)+1)
	maps.Copy(data, s.Data)
	if req.FlowToken != "" {
		data["flow_token"] = req.FlowToken
	}
	return Response{Screen: s.Screen, Data: data}, nil
}

// CompleteHandler ends the flow with the terminal SUCCESS screen, echoing
// the flow token as WhatsApp requires.
func CompleteHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{
			Screen: "SUCCESS",
			Data: map[string]any{
				"extension_message_response": map[string]any{
					"params": map[string]any{"flow_token": req.FlowToken},
				},
			},
		}, nil
	})
}
