package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WaGate/internal/flow"
	"github.com/BTreeMap/WaGate/internal/flowcrypto"
	"github.com/BTreeMap/WaGate/internal/messaging"
	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/policy"
	"github.com/BTreeMap/WaGate/internal/store"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

const (
	testPhone       = "573001234567"
	testAppSecret   = "app-secret"
	testVerifyToken = "verify-me"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func flowKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		testKey = k
	})
	return testKey
}

type testServer struct {
	srv    *Server
	st     *store.InMemoryStore
	client *whatsapp.MockClient
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	engine, err := policy.New(st, policy.DefaultConfig())
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	client := whatsapp.NewMockClient()
	svc := messaging.NewCloudService(client, engine, st)
	router := flow.NewRouter(&flow.StaticHandler{Screen: "WELCOME"})
	opts = append([]Option{WithAppSecret(testAppSecret), WithVerifyToken(testVerifyToken)}, opts...)
	srv := NewServer(svc, st, flowcrypto.NewCodecFromKey(flowKey(t)), router, opts...)
	return &testServer{srv: srv, st: st, client: client}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func signed(body []byte) map[string]string {
	return map[string]string{whatsapp.SignatureHeader: whatsapp.Sign(testAppSecret, body)}
}

func decodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func sealFlowRequest(t *testing.T, pub *rsa.PublicKey, payload any) ([]byte, flowcrypto.SessionKey) {
	t.Helper()
	key, err := flowcrypto.NewSessionKey(16, flowcrypto.StandardIVSize)
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	env, err := flowcrypto.SealRequest(pub, payload, key)
	if err != nil {
		t.Fatalf("SealRequest failed: %v", err)
	}
	body, _ := json.Marshal(env)
	return body, key
}

func TestFlowsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	t.Run("ping", func(t *testing.T) {
		body, key := sealFlowRequest(t, &flowKey(t).PublicKey, map[string]any{"version": "3.0", "action": "ping"})
		rr := ts.do(t, http.MethodPost, "/flows", body, signed(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
			t.Errorf("Content-Type = %q", ct)
		}
		plain, err := flowcrypto.OpenResponse(rr.Body.String(), key)
		if err != nil {
			t.Fatalf("OpenResponse failed: %v", err)
		}
		if string(plain) != `{"data":{"status":"active"}}` {
			t.Errorf("ping response = %s", plain)
		}
	})

	t.Run("init", func(t *testing.T) {
		body, key := sealFlowRequest(t, &flowKey(t).PublicKey, map[string]any{"version": "3.0", "action": "INIT", "flow_token": "tok"})
		rr := ts.do(t, http.MethodPost, "/flows", body, signed(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		plain, _ := flowcrypto.OpenResponse(rr.Body.String(), key)
		var resp flow.Response
		json.Unmarshal(plain, &resp)
		if resp.Screen != "WELCOME" || resp.Data["flow_token"] != "tok" {
			t.Errorf("init response = %s", plain)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		body, _ := sealFlowRequest(t, &flowKey(t).PublicKey, map[string]any{"action": "ping"})
		rr := ts.do(t, http.MethodPost, "/flows", body, map[string]string{whatsapp.SignatureHeader: whatsapp.Sign("wrong", body)})
		if rr.Code != StatusInvalidSignature {
			t.Errorf("expected 432, got %d", rr.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		body, _ := sealFlowRequest(t, &other.PublicKey, map[string]any{"action": "ping"})
		rr := ts.do(t, http.MethodPost, "/flows", body, signed(body))
		if rr.Code != StatusKeyRefresh {
			t.Errorf("expected 421, got %d", rr.Code)
		}
	})

	t.Run("malformed envelope", func(t *testing.T) {
		body := []byte(`{"encrypted_flow_data":"!!","encrypted_aes_key":"","initial_vector":""}`)
		rr := ts.do(t, http.MethodPost, "/flows", body, signed(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
		body = []byte(`not json`)
		if rr := ts.do(t, http.MethodPost, "/flows", body, signed(body)); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for non-JSON body, got %d", rr.Code)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		body, _ := sealFlowRequest(t, &flowKey(t).PublicKey, map[string]any{"version": "3.0", "action": "navigate"})
		if rr := ts.do(t, http.MethodPost, "/flows", body, signed(body)); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestFlowsEndpoint_NoCodec(t *testing.T) {
	st := store.NewInMemoryStore()
	engine, _ := policy.New(st, policy.DefaultConfig())
	srv := NewServer(messaging.NewCloudService(whatsapp.NewMockClient(), engine, st), st, nil, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestWebhookVerify(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil, nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "12345" {
		t.Errorf("verify = %d %q", rr.Code, rr.Body.String())
	}
	for _, token := range []string{"nope", "verify-mf", "verify-me-too", "verify", ""} {
		rr = ts.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token="+token+"&hub.challenge=12345", nil, nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("token %q: expected 403, got %d", token, rr.Code)
		}
	}
	rr = ts.do(t, http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("wrong mode: expected 403, got %d", rr.Code)
	}
}

func webhookBody(id string, at time.Time) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{` +
		`"messaging_product":"whatsapp","metadata":{"phone_number_id":"1234567890"},` +
		`"messages":[{"id":"` + id + `","from":"` + testPhone + `","timestamp":"` + strconv.FormatInt(at.Unix(), 10) +
		`","type":"text","text":{"body":"Hola"}}]}}]}]}`)
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)
	body := webhookBody("wamid.IN1", time.Now())

	if rr := ts.do(t, http.MethodPost, "/webhook", body, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("unsigned webhook: expected 401, got %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/webhook", []byte("{"), signed([]byte("{"))); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed webhook: expected 400, got %d", rr.Code)
	}

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/webhook", body, signed(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	}
	responses, _ := ts.st.GetResponses()
	if len(responses) != 1 || responses[0].Body != "Hola" {
		t.Errorf("responses = %+v", responses)
	}

	// A malformed sender is skipped rather than redelivered forever.
	bad := []byte(strings.Replace(string(webhookBody("wamid.BAD", time.Now())), testPhone, "abc", 1))
	if rr := ts.do(t, http.MethodPost, "/webhook", bad, signed(bad)); rr.Code != http.StatusOK {
		t.Errorf("malformed sender: expected 200, got %d", rr.Code)
	}

	rr := ts.do(t, http.MethodGet, "/responses", nil, nil)
	resp := decodeAPIResponse(t, rr)
	if rr.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Errorf("GET /responses = %d %+v", rr.Code, resp)
	}
}

func TestSendHandler(t *testing.T) {
	ts := newTestServer(t)
	send := []byte(`{"to":"+57 300 123 4567","type":"text","text":{"body":"Hola, ¿cómo estás?"}}`)

	rr := ts.do(t, http.MethodPost, "/send", send, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a conversation, got %d", rr.Code)
	}
	if resp := decodeAPIResponse(t, rr); resp.Status != string(models.APIStatusDenied) || resp.Message != policy.ReasonNoConversation {
		t.Errorf("denied response = %+v", resp)
	}

	inbound := webhookBody("wamid.IN1", time.Now())
	ts.do(t, http.MethodPost, "/webhook", inbound, signed(inbound))

	rr = ts.do(t, http.MethodPost, "/send", send, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if sent := ts.client.SentTo(testPhone); len(sent) != 1 {
		t.Errorf("expected 1 message to %s, got %d", testPhone, len(sent))
	}

	rr = ts.do(t, http.MethodGet, "/receipts", nil, nil)
	var receipts struct {
		Result []models.Receipt `json:"result"`
	}
	json.Unmarshal(rr.Body.Bytes(), &receipts)
	if len(receipts.Result) != 1 || receipts.Result[0].Status != models.MessageStatusSent {
		t.Errorf("receipts = %s", rr.Body.String())
	}
}

func TestSendHandler_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := map[string]string{
		"invalid json":      `{"to":`,
		"missing text":      `{"to":"573001234567","type":"text"}`,
		"empty body":        `{"to":"573001234567","type":"text","text":{"body":""}}`,
		"unsupported type":  `{"to":"573001234567","type":"sticker"}`,
		"too many buttons":  `{"to":"573001234567","type":"button","button":{"body":"b","buttons":[{"id":"1","title":"a"},{"id":"2","title":"b"},{"id":"3","title":"c"},{"id":"4","title":"d"}]}}`,
		"invalid recipient": `{"to":"abc","type":"text","text":{"body":"hi"}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/send", []byte(body), nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if resp := decodeAPIResponse(t, rr); resp.Status != string(models.APIStatusError) {
				t.Errorf("status = %q", resp.Status)
			}
		})
	}
}

func TestProactiveHandler(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"to":"573001234567","type":"list","dedupe_key":"menu-1","list":{"body":"Elige","button":"Ver",` +
		`"rows":[{"id":"a","title":"Citas"},{"id":"b","title":"Pagos","description":"Facturas"}]}}`)

	rr := ts.do(t, http.MethodPost, "/proactive", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Status string            `json:"status"`
		Result map[string]string `json:"result"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != string(models.APIStatusQueued) || resp.Result["id"] == "" {
		t.Fatalf("response = %s", rr.Body.String())
	}

	m, err := ts.st.GetOutboxMessage(resp.Result["id"])
	if err != nil || m == nil {
		t.Fatalf("GetOutboxMessage = %v, %v", m, err)
	}
	if m.Kind != whatsapp.InteractiveList || m.Recipient != testPhone || !strings.Contains(m.PayloadJSON, `"type":"list"`) {
		t.Errorf("outbox message = %+v", m)
	}

	again := ts.do(t, http.MethodPost, "/proactive", body, nil)
	json.Unmarshal(again.Body.Bytes(), &resp)
	if resp.Result["id"] != m.ID {
		t.Errorf("dedupe key should return the pending message, got %q", resp.Result["id"])
	}
}

func TestWindowHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/windows/"+testPhone, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Result policy.Snapshot `json:"result"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Result.State != models.WindowUnengaged {
		t.Errorf("state = %q", resp.Result.State)
	}

	if rr := ts.do(t, http.MethodGet, "/windows/abc", nil, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid phone, got %d", rr.Code)
	}
}

func TestRequestIDAndHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	const id = "6f1c3f6e-8c2a-4a54-9d0b-1f8f0b7f4a11"
	rr = ts.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": id})
	if got := rr.Header().Get("X-Request-ID"); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}
}

func TestRun_Shutdown(t *testing.T) {
	ts := newTestServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWriteJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, map[string]any{"bad": func() {}})
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for unmarshalable value, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "Internal server error") {
		t.Errorf("fallback body = %s", body)
	}
}
