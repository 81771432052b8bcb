package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WaGate/internal/flow"
	"github.com/BTreeMap/WaGate/internal/flowcrypto"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// Status codes defined by the Flows endpoint contract.
const (
	// StatusKeyRefresh tells the client to re-fetch the public key and retry.
	StatusKeyRefresh = 421
	// StatusInvalidSignature rejects a request whose signature does not match.
	StatusInvalidSignature = 432
)

// flowsHandler serves the Flow data exchange endpoint. Responses are raw
// base64 ciphertext; failures are bare status codes.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		slog.Warn("Server.flowsHandler: failed to read body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.opts.AppSecret != "" {
		if err := whatsapp.VerifySignature(s.opts.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
			slog.Warn("Server.flowsHandler: signature rejected", "remote", r.RemoteAddr)
			w.WriteHeader(StatusInvalidSignature)
			return
		}
	}
	if s.codec == nil {
		slog.Error("Server.flowsHandler: flow private key not configured")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var env flowcrypto.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("Server.flowsHandler: failed to decode envelope", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	plaintext, key, err := s.codec.Decrypt(env)
	if err != nil {
		status := http.StatusBadRequest
		if flowcrypto.RequiresKeyRefresh(err) {
			status = StatusKeyRefresh
		} else if errors.Is(err, flowcrypto.ErrKeyLoad) {
			status = http.StatusInternalServerError
		}
		slog.Warn("Server.flowsHandler: decrypt failed", "status", status, "error", err)
		w.WriteHeader(status)
		return
	}

	req, err := flow.Decode(plaintext)
	if err != nil {
		slog.Warn("Server.flowsHandler: malformed flow request", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	resp, err := s.flows.Route(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrUnknownAction) {
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
		return
	}

	sealed, err := flowcrypto.Encrypt(resp, key)
	if err != nil {
		slog.Error("Server.flowsHandler: encrypt failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	slog.Debug("Server.flowsHandler: flow request answered", "action", req.Action, "screen", req.Screen, "next_screen", resp.Screen)
	writeText(w, http.StatusOK, sealed)
}
