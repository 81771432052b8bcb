package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/WaGate/internal/messaging"
	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// messageRequest is the body of /send and /proactive.
type messageRequest struct {
	To        string           `json:"to"`
	Type      string           `json:"type"`
	Text      *textRequest     `json:"text,omitempty"`
	Button    *buttonRequest   `json:"button,omitempty"`
	List      *listRequest     `json:"list,omitempty"`
	Template  *templateRequest `json:"template,omitempty"`
	DedupeKey string           `json:"dedupe_key,omitempty"`
}

type textRequest struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type buttonRequest struct {
	Body    string `json:"body"`
	Header  string `json:"header,omitempty"`
	Footer  string `json:"footer,omitempty"`
	Buttons []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"buttons"`
}

type listRequest struct {
	Body         string `json:"body"`
	Header       string `json:"header,omitempty"`
	Footer       string `json:"footer,omitempty"`
	Button       string `json:"button"`
	SectionTitle string `json:"section_title,omitempty"`
	Rows         []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"rows"`
}

type templateRequest struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params,omitempty"`
}

// message builds and validates the requested payload.
func (m messageRequest) message() (whatsapp.Message, error) {
	switch m.Type {
	case whatsapp.TypeText, "":
		if m.Text == nil {
			return nil, errors.New("missing required field: text")
		}
		return whatsapp.NewTextMessage(m.Text.Body, m.Text.PreviewURL)
	case whatsapp.InteractiveButton:
		if m.Button == nil {
			return nil, errors.New("missing required field: button")
		}
		spec := whatsapp.ButtonSpec{Body: m.Button.Body, Header: m.Button.Header, Footer: m.Button.Footer}
		for _, b := range m.Button.Buttons {
			spec.Buttons = append(spec.Buttons, whatsapp.Button{ID: b.ID, Title: b.Title})
		}
		return whatsapp.NewButtonMessage(spec)
	case whatsapp.InteractiveList:
		if m.List == nil {
			return nil, errors.New("missing required field: list")
		}
		spec := whatsapp.ListSpec{Body: m.List.Body, Header: m.List.Header, Footer: m.List.Footer,
			ButtonLabel: m.List.Button, SectionTitle: m.List.SectionTitle}
		for _, r := range m.List.Rows {
			spec.Rows = append(spec.Rows, whatsapp.Row{ID: r.ID, Title: r.Title, Description: r.Description})
		}
		return whatsapp.NewListMessage(spec)
	case whatsapp.TypeTemplate:
		if m.Template == nil {
			return nil, errors.New("missing required field: template")
		}
		return whatsapp.NewTemplateMessage(m.Template.Name, m.Template.Language, m.Template.Params...)
	default:
		return nil, fmt.Errorf("unsupported message type %q", m.Type)
	}
}

func (s *Server) decodeMessageRequest(w http.ResponseWriter, r *http.Request, handler string) (messageRequest, whatsapp.Message, bool) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return req, nil, false
	}
	msg, err := req.message()
	if err != nil {
		slog.Warn("Server."+handler+": invalid message", "error", err, "to", req.To, "type", req.Type)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return req, nil, false
	}
	return req, msg, true
}

// sendHandler sends an in-session reply right away.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := s.decodeMessageRequest(w, r, "sendHandler")
	if !ok {
		return
	}
	id, err := s.msgService.SendReply(r.Context(), req.To, msg)
	if err != nil {
		s.writeSendError(w, "sendHandler", req.To, err)
		return
	}
	slog.Info("Server.sendHandler: message sent successfully", "to", req.To, "message_id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"message_id": id}))
}

// proactiveHandler queues a business-initiated message in the outbox.
func (s *Server) proactiveHandler(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := s.decodeMessageRequest(w, r, "proactiveHandler")
	if !ok {
		return
	}
	id, err := s.msgService.QueueProactive(r.Context(), req.To, msg, req.DedupeKey)
	if err != nil {
		s.writeSendError(w, "proactiveHandler", req.To, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]string{"id": id}))
}

func (s *Server) writeSendError(w http.ResponseWriter, handler, to string, err error) {
	var (
		denied *messaging.DeniedError
		apiErr *whatsapp.APIError
		valErr *whatsapp.ValidationError
	)
	switch {
	case errors.As(err, &denied):
		writeJSONResponse(w, http.StatusForbidden, models.Denied(denied.Decision.Reason, denied.Decision))
	case errors.As(err, &valErr), errors.Is(err, whatsapp.ErrEmptyRecipient), errors.Is(err, whatsapp.ErrInvalidRecipient):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.As(err, &apiErr):
		slog.Error("Server."+handler+": cloud api rejected message", "to", to, "verdict", apiErr.Diagnosis.Verdict, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.ErrorWithResult(apiErr.Message, apiErr.Diagnosis))
	case errors.Is(err, messaging.ErrServiceStopped):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
	default:
		slog.Error("Server."+handler+": failed to send message", "to", to, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
	}
}

// windowHandler returns the policy view of a phone number.
func (s *Server) windowHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.msgService.Window(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		if errors.Is(err, whatsapp.ErrInvalidRecipient) || errors.Is(err, whatsapp.ErrEmptyRecipient) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.windowHandler: failed to inspect window", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to inspect window"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Server.responsesHandler: failed to fetch responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch responses"))
		return
	}
	if responses == nil {
		responses = []models.Response{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}
