package whatsapp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Cloud API structural limits for outbound messages, in characters.
const (
	MaxButtons           = 3
	MaxButtonTitleLength = 20
	MaxButtonIDLength    = 256

	MaxListRows             = 10
	MaxListButtonLength     = 20
	MaxRowTitleLength       = 24
	MaxRowDescriptionLength = 72
	MaxRowIDLength          = 200
	MaxSectionTitleLength   = 24

	MaxBodyLength   = 1024
	MaxHeaderLength = 60
	MaxFooterLength = 60

	MaxTextBodyLength     = 4096
	MaxTemplateNameLength = 512
)

// ValidationError reports a payload that violates a Cloud API limit.
// It is a programmer error: the message must not be sent.
type ValidationError struct {
	Field   string
	Limit   int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func tooLong(field string, limit, got int) *ValidationError {
	return &ValidationError{
		Field:   field,
		Limit:   limit,
		Message: fmt.Sprintf("%s exceeds %d characters (got %d)", field, limit, got),
	}
}

func required(field string) *ValidationError {
	return &ValidationError{Field: field, Message: field + " is required"}
}

func checkText(field, value string, limit int, mandatory bool) error {
	if strings.TrimSpace(value) == "" {
		if mandatory {
			return required(field)
		}
		return nil
	}
	if n := utf8.RuneCountInString(value); n > limit {
		return tooLong(field, limit, n)
	}
	return nil
}

// optional drops whitespace-only optional text so it is omitted on the wire.
func optional(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return value
}

// Message is a validated outbound payload that can be addressed to a recipient.
type Message interface {
	// Kind names the payload variant ("button", "list", "text", "template").
	Kind() string
	// Build renders the Cloud API body for recipient to.
	Build(to string) WireMessage
}

// Button is one quick-reply button.
type Button struct {
	ID    string
	Title string
}

// ButtonSpec describes a reply-button message.
type ButtonSpec struct {
	Body    string
	Header  string
	Footer  string
	Buttons []Button
}

// ButtonMessage is an immutable, validated reply-button message.
type ButtonMessage struct {
	body    string
	header  string
	footer  string
	buttons []Button
}

// NewButtonMessage validates spec and returns the message, or a *ValidationError.
func NewButtonMessage(spec ButtonSpec) (*ButtonMessage, error) {
	if err := checkEnvelopeText(spec.Body, spec.Header, spec.Footer); err != nil {
		return nil, err
	}
	if len(spec.Buttons) == 0 {
		return nil, &ValidationError{Field: "buttons", Limit: MaxButtons, Message: "At least 1 button required"}
	}
	if len(spec.Buttons) > MaxButtons {
		return nil, &ValidationError{Field: "buttons", Limit: MaxButtons, Message: fmt.Sprintf("Max %d buttons", MaxButtons)}
	}

	seen := make(map[string]struct{}, len(spec.Buttons))
	for i, b := range spec.Buttons {
		prefix := fmt.Sprintf("buttons[%d]", i)
		if err := checkText(prefix+".id", b.ID, MaxButtonIDLength, true); err != nil {
			return nil, err
		}
		if err := checkText(prefix+".title", b.Title, MaxButtonTitleLength, true); err != nil {
			return nil, err
		}
		if _, dup := seen[b.ID]; dup {
			return nil, &ValidationError{Field: prefix + ".id", Message: fmt.Sprintf("%s.id %q is not unique", prefix, b.ID)}
		}
		seen[b.ID] = struct{}{}
	}

	return &ButtonMessage{
		body:    spec.Body,
		header:  optional(spec.Header),
		footer:  optional(spec.Footer),
		buttons: append([]Button(nil), spec.Buttons...),
	}, nil
}

func (m *ButtonMessage) Kind() string { return InteractiveButton }

// Buttons returns a copy of the message buttons.
func (m *ButtonMessage) Buttons() []Button {
	return append([]Button(nil), m.buttons...)
}

func (m *ButtonMessage) Build(to string) WireMessage {
	buttons := make([]WireButton, len(m.buttons))
	for i, b := range m.buttons {
		buttons[i] = WireButton{Type: "reply", Reply: WireReply{ID: b.ID, Title: b.Title}}
	}
	return interactiveMessage(to, &WireInteractive{
		Type:   InteractiveButton,
		Header: header(m.header),
		Body:   WireText{Text: m.body},
		Footer: footer(m.footer),
		Action: WireAction{Buttons: buttons},
	})
}

// Row is one selectable list row.
type Row struct {
	ID          string
	Title       string
	Description string
}

// ListSpec describes a single-section list message.
type ListSpec struct {
	Body         string
	Header       string
	Footer       string
	ButtonLabel  string
	SectionTitle string
	Rows         []Row
}

// ListMessage is an immutable, validated list message.
type ListMessage struct {
	body         string
	header       string
	footer       string
	buttonLabel  string
	sectionTitle string
	rows         []Row
}

// NewListMessage validates spec and returns the message, or a *ValidationError.
func NewListMessage(spec ListSpec) (*ListMessage, error) {
	if err := checkEnvelopeText(spec.Body, spec.Header, spec.Footer); err != nil {
		return nil, err
	}
	if err := checkText("button", spec.ButtonLabel, MaxListButtonLength, true); err != nil {
		return nil, err
	}
	if err := checkText("section.title", spec.SectionTitle, MaxSectionTitleLength, false); err != nil {
		return nil, err
	}
	if len(spec.Rows) == 0 {
		return nil, &ValidationError{Field: "rows", Limit: MaxListRows, Message: "At least 1 row required"}
	}
	if len(spec.Rows) > MaxListRows {
		return nil, &ValidationError{Field: "rows", Limit: MaxListRows, Message: fmt.Sprintf("Max %d rows", MaxListRows)}
	}

	seen := make(map[string]struct{}, len(spec.Rows))
	for i, r := range spec.Rows {
		prefix := fmt.Sprintf("rows[%d]", i)
		if err := checkText(prefix+".id", r.ID, MaxRowIDLength, true); err != nil {
			return nil, err
		}
		if err := checkText(prefix+".title", r.Title, MaxRowTitleLength, true); err != nil {
			return nil, err
		}
		if err := checkText(prefix+".description", r.Description, MaxRowDescriptionLength, false); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, &ValidationError{Field: prefix + ".id", Message: fmt.Sprintf("%s.id %q is not unique", prefix, r.ID)}
		}
		seen[r.ID] = struct{}{}
	}

	rows := make([]Row, len(spec.Rows))
	for i, r := range spec.Rows {
		r.Description = optional(r.Description)
		rows[i] = r
	}
	return &ListMessage{
		body:         spec.Body,
		header:       optional(spec.Header),
		footer:       optional(spec.Footer),
		buttonLabel:  spec.ButtonLabel,
		sectionTitle: optional(spec.SectionTitle),
		rows:         rows,
	}, nil
}

func (m *ListMessage) Kind() string { return InteractiveList }

// Rows returns a copy of the list rows.
func (m *ListMessage) Rows() []Row {
	return append([]Row(nil), m.rows...)
}

func (m *ListMessage) Build(to string) WireMessage {
	rows := make([]WireRow, len(m.rows))
	for i, r := range m.rows {
		rows[i] = WireRow{ID: r.ID, Title: r.Title, Description: r.Description}
	}
	return interactiveMessage(to, &WireInteractive{
		Type:   InteractiveList,
		Header: header(m.header),
		Body:   WireText{Text: m.body},
		Footer: footer(m.footer),
		Action: WireAction{
			Button:   m.buttonLabel,
			Sections: []WireSection{{Title: m.sectionTitle, Rows: rows}},
		},
	})
}

// TextMessage is a plain free-form text message.
type TextMessage struct {
	body       string
	previewURL bool
}

// NewTextMessage validates a free-form text body.
func NewTextMessage(body string, previewURL bool) (*TextMessage, error) {
	if err := checkText("body", body, MaxTextBodyLength, true); err != nil {
		return nil, err
	}
	return &TextMessage{body: body, previewURL: previewURL}, nil
}

func (m *TextMessage) Kind() string { return TypeText }

func (m *TextMessage) Build(to string) WireMessage {
	return WireMessage{
		MessagingProduct: MessagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             TypeText,
		Text:             &WireText{Body: m.body, PreviewURL: m.previewURL},
	}
}

// TemplateMessage is an approved template, the only kind of message the
// Cloud API accepts outside the customer service window.
type TemplateMessage struct {
	name       string
	language   string
	bodyParams []string
}

// NewTemplateMessage validates a template reference with positional body parameters.
func NewTemplateMessage(name, language string, bodyParams ...string) (*TemplateMessage, error) {
	if err := checkText("template.name", name, MaxTemplateNameLength, true); err != nil {
		return nil, err
	}
	if strings.TrimSpace(language) == "" {
		return nil, required("template.language")
	}
	for i, p := range bodyParams {
		if err := checkText(fmt.Sprintf("template.body[%d]", i), p, MaxBodyLength, true); err != nil {
			return nil, err
		}
	}
	return &TemplateMessage{name: name, language: language, bodyParams: append([]string(nil), bodyParams...)}, nil
}

func (m *TemplateMessage) Kind() string { return TypeTemplate }

func (m *TemplateMessage) Build(to string) WireMessage {
	tmpl := &WireTemplate{Name: m.name, Language: WireLanguage{Code: m.language}}
	if len(m.bodyParams) > 0 {
		params := make([]WireTemplateParam, len(m.bodyParams))
		for i, p := range m.bodyParams {
			params[i] = WireTemplateParam{Type: "text", Text: p}
		}
		tmpl.Components = []WireTemplateBlock{{Type: "body", Parameters: params}}
	}
	return WireMessage{
		MessagingProduct: MessagingProduct,
		RecipientType:    "individual",
		To:               to,
		Type:             TypeTemplate,
		Template:         tmpl,
	}
}

func checkEnvelopeText(body, hdr, ftr string) error {
	if err := checkText("body", body, MaxBodyLength, true); err != nil {
		return err
	}
	if err := checkText("header", hdr, MaxHeaderLength, false); err != nil {
		return err
	}
	return checkText("footer", ftr, MaxFooterLength, false)
}

func interactiveMessage(to string, in *WireInteractive) WireMessage {
	return WireMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             TypeInteractive,
		Interactive:      in,
	}
}

func header(text string) *WireHeader {
	if text == "" {
		return nil
	}
	return &WireHeader{Type: "text", Text: text}
}

func footer(text string) *WireText {
	if text == "" {
		return nil
	}
	return &WireText{Text: text}
}
