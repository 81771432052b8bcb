package api

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// webhookVerifyHandler answers Meta's subscription handshake.
func (s *Server) webhookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode != "subscribe" || s.opts.VerifyToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.VerifyToken)) != 1 {
		slog.Warn("Server.webhookVerifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.webhookVerifyHandler: webhook verified")
	writeText(w, http.StatusOK, challenge)
}

// webhookHandler applies a webhook notification. A non-2xx answer makes
// WhatsApp redeliver, which the inbound dedup absorbs.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read body"))
		return
	}
	if s.opts.AppSecret != "" {
		if err := whatsapp.VerifySignature(s.opts.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
			slog.Warn("Server.webhookHandler: signature rejected", "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
			return
		}
	}
	payload, err := whatsapp.ParseWebhook(body)
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to decode payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.msgService.HandleWebhook(r.Context(), payload); err != nil {
		slog.Error("Server.webhookHandler: failed to apply webhook", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process webhook"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
