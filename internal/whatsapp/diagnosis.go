package whatsapp

import (
	"errors"
	"fmt"
	"net/http"
)

// Verdict tells the caller what to do with a failed send.
type Verdict string

const (
	// VerdictRetryable failures may succeed later; retry with backoff.
	VerdictRetryable Verdict = "retryable"
	// VerdictFatal failures need an operator fix; do not retry.
	VerdictFatal Verdict = "fatal"
	// VerdictPolicyBlocked sends were refused by WhatsApp policy; do not retry
	// as-is, fall back to an approved template or wait for the window to reopen.
	VerdictPolicyBlocked Verdict = "policyBlocked"
)

// Graph API error codes with dedicated handling.
const (
	GraphCodeInvalidParameter   = 100
	GraphSubcodeInvalidObjectID = 33
	GraphCodeAccessToken        = 190
	GraphCodeThroughput         = 130429
	GraphCodeUserUnavailable    = 131026
	GraphCodeReengagement       = 131047
	GraphCodeWindowClosed       = 131031
	GraphCodePairRateLimit      = 131056
)

// MaxAttempts bounds delivery attempts for retryable verdicts. The delay
// between attempts is the outbox backoff.
const MaxAttempts = 5

// Diagnosis is the classified outcome of a failed Cloud API call.
// GraphCode and GraphSubcode are zero when the response carried none.
type Diagnosis struct {
	HTTPStatus   int     `json:"http_status"`
	GraphCode    int     `json:"graph_error_code,omitempty"`
	GraphSubcode int     `json:"graph_error_subcode,omitempty"`
	Hint         string  `json:"hint"`
	Verdict      Verdict `json:"verdict"`
}

// Retryable reports whether the failure may be retried.
func (d Diagnosis) Retryable() bool { return d.Verdict == VerdictRetryable }

// Classify maps an HTTP status and optional Graph error code/subcode to a
// Diagnosis. Code-specific rules take precedence over status rules.
func Classify(status, code, subcode int) Diagnosis {
	d := Diagnosis{HTTPStatus: status, GraphCode: code, GraphSubcode: subcode}

	switch {
	case code == GraphCodeAccessToken:
		d.Verdict, d.Hint = VerdictFatal, "access token expired or invalid: generate a new permanent system-user token and update WHATSAPP_ACCESS_TOKEN"
	case code == GraphCodeInvalidParameter && subcode == GraphSubcodeInvalidObjectID:
		d.Verdict, d.Hint = VerdictFatal, "invalid phone-number-id: check WHATSAPP_PHONE_NUMBER_ID against the WhatsApp Manager"
	case code == GraphCodeInvalidParameter:
		d.Verdict, d.Hint = VerdictFatal, "malformed payload or limit violation: inspect the message body against Cloud API limits"
	case code == GraphCodeUserUnavailable:
		d.Verdict, d.Hint = VerdictPolicyBlocked, "recipient cannot receive messages: blocked the business, opted out, or is not on WhatsApp"
	case code == GraphCodeWindowClosed:
		d.Verdict, d.Hint = VerdictPolicyBlocked, "outside the 24h customer service window: send an approved template instead"
	case code == GraphCodeReengagement:
		d.Verdict, d.Hint = VerdictPolicyBlocked, "more than 24h since the last user message: re-engage with an approved template"
	case code == GraphCodeThroughput || code == GraphCodePairRateLimit:
		d.Verdict, d.Hint = VerdictRetryable, "rate limited for this number or recipient: back off exponentially before retrying"
	case status == http.StatusTooManyRequests:
		d.Verdict, d.Hint = VerdictRetryable, "rate limited: back off exponentially before retrying"
	case status == http.StatusInternalServerError || status == http.StatusServiceUnavailable:
		d.Verdict, d.Hint = VerdictRetryable, "transient Cloud API server error: retry with backoff"
	case status == http.StatusBadRequest:
		d.Verdict, d.Hint = VerdictFatal, "request rejected: fix the payload before resending"
	case status == http.StatusUnauthorized:
		d.Verdict, d.Hint = VerdictFatal, "unauthorized: check the access token"
	case status == http.StatusForbidden:
		d.Verdict, d.Hint = VerdictFatal, "forbidden: the token lacks whatsapp_business_messaging permission for this number"
	case status == http.StatusNotFound:
		d.Verdict, d.Hint = VerdictFatal, "not found: check the API version and phone-number-id in the request URL"
	default:
		d.Verdict, d.Hint = VerdictFatal, fmt.Sprintf("unexpected Cloud API failure: status=%d code=%d subcode=%d", status, code, subcode)
	}
	return d
}

// APIError is returned by Client.Send for any non-2xx Cloud API response.
type APIError struct {
	Diagnosis Diagnosis
	Message   string
	Type      string
	FBTraceID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api %s (status=%d code=%d subcode=%d): %s: %s",
		e.Diagnosis.Verdict, e.Diagnosis.HTTPStatus, e.Diagnosis.GraphCode, e.Diagnosis.GraphSubcode, e.Message, e.Diagnosis.Hint)
}

// DiagnosisOf extracts the Diagnosis from err if it is (or wraps) an *APIError.
func DiagnosisOf(err error) (Diagnosis, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Diagnosis, true
	}
	return Diagnosis{}, false
}

// IsRetryable reports whether err is a retryable Cloud API failure.
// Transport errors (no HTTP response at all) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if d, ok := DiagnosisOf(err); ok {
		return d.Retryable()
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// IsPolicyBlocked reports whether err is a policy-blocked Cloud API failure.
func IsPolicyBlocked(err error) bool {
	d, ok := DiagnosisOf(err)
	return ok && d.Verdict == VerdictPolicyBlocked
}
