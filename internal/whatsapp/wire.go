package whatsapp

// MessagingProduct is the fixed product marker every Cloud API message carries.
const MessagingProduct = "whatsapp"

// Message types used on the wire.
const (
	TypeText        = "text"
	TypeTemplate    = "template"
	TypeInteractive = "interactive"

	InteractiveButton = "button"
	InteractiveList   = "list"
)

// WireMessage is the body of POST /{phone-number-id}/messages.
type WireMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type,omitempty"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *WireText        `json:"text,omitempty"`
	Template         *WireTemplate    `json:"template,omitempty"`
	Interactive      *WireInteractive `json:"interactive,omitempty"`
}

// WireText is a text body. PreviewURL is only meaningful for text messages.
type WireText struct {
	Body       string `json:"body,omitempty"`
	Text       string `json:"text,omitempty"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type WireInteractive struct {
	Type   string      `json:"type"`
	Header *WireHeader `json:"header,omitempty"`
	Body   WireText    `json:"body"`
	Footer *WireText   `json:"footer,omitempty"`
	Action WireAction  `json:"action"`
}

type WireHeader struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WireAction carries either Buttons (button messages) or Button+Sections (list messages).
type WireAction struct {
	Buttons  []WireButton  `json:"buttons,omitempty"`
	Button   string        `json:"button,omitempty"`
	Sections []WireSection `json:"sections,omitempty"`
}

type WireButton struct {
	Type  string    `json:"type"`
	Reply WireReply `json:"reply"`
}

type WireReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type WireSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []WireRow `json:"rows"`
}

type WireRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type WireTemplate struct {
	Name       string              `json:"name"`
	Language   WireLanguage        `json:"language"`
	Components []WireTemplateBlock `json:"components,omitempty"`
}

type WireLanguage struct {
	Code string `json:"code"`
}

type WireTemplateBlock struct {
	Type       string              `json:"type"`
	Parameters []WireTemplateParam `json:"parameters,omitempty"`
}

type WireTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
