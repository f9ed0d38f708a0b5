// Package testinfra runs end-to-end tests against an externally started
// matrix-appservice instance, exercising the inbound appservice API the way
// a homeserver would: token auth, transaction pushes with retries, pings and
// user queries.
//
// Start the service with a registration whose hs_token matches HS_TOKEN,
// then:  APPSERVICE_URL=http://localhost:29333 HS_TOKEN=... go test ./...
package testinfra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var (
	appserviceURL string
	hsToken       string
)

func TestMain(m *testing.M) {
	appserviceURL = os.Getenv("APPSERVICE_URL")
	hsToken = os.Getenv("HS_TOKEN")
	os.Exit(m.Run())
}

func requireStack(t *testing.T) {
	t.Helper()
	if appserviceURL == "" || hsToken == "" {
		t.Skip("APPSERVICE_URL and HS_TOKEN not set, skipping end-to-end tests")
	}
}

func doJSON(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, appserviceURL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func errcodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var decoded struct {
		Errcode string `json:"errcode"`
	}
	_ = json.Unmarshal(body, &decoded)
	return decoded.Errcode
}

func messageEvent(roomID, sender, eventID string) map[string]any {
	return map[string]any{
		"type":     "m.room.message",
		"event_id": eventID,
		"room_id":  roomID,
		"sender":   sender,
		"content":  map[string]any{"msgtype": "m.text", "body": "e2e " + eventID},
	}
}

func TestAuthRequired(t *testing.T) {
	requireStack(t)
	status, body := doJSON(t, http.MethodPost, "/_matrix/app/v1/ping", "", map[string]string{"transaction_id": "e2e"})
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated ping status = %d, want 401", status)
	}
	if got := errcodeOf(t, body); got != "M_MISSING_TOKEN" {
		t.Errorf("errcode = %q, want M_MISSING_TOKEN", got)
	}

	status, body = doJSON(t, http.MethodPost, "/_matrix/app/v1/ping", "wrong-token", map[string]string{"transaction_id": "e2e"})
	if status != http.StatusForbidden {
		t.Fatalf("wrong-token ping status = %d, want 403", status)
	}
	if got := errcodeOf(t, body); got != "M_FORBIDDEN" {
		t.Errorf("errcode = %q, want M_FORBIDDEN", got)
	}
}

func TestPing(t *testing.T) {
	requireStack(t)
	status, body := doJSON(t, http.MethodPost, "/_matrix/app/v1/ping", hsToken, map[string]string{"transaction_id": "e2e-ping"})
	if status != http.StatusOK {
		t.Fatalf("ping status = %d: %s", status, body)
	}
}

func TestTransactionIdempotence(t *testing.T) {
	requireStack(t)
	txnID := fmt.Sprintf("e2e_%d", time.Now().UnixNano())
	payload := map[string]any{
		"events": []map[string]any{
			messageEvent("!e2e:example.org", "@e2e_user:example.org", "$e2e_1_"+txnID),
			messageEvent("!e2e:example.org", "@e2e_user:example.org", "$e2e_2_"+txnID),
		},
	}

	// Both the first delivery and the homeserver-style retry must be
	// acknowledged with an empty object.
	for i := 0; i < 2; i++ {
		status, body := doJSON(t, http.MethodPut, "/_matrix/app/v1/transactions/"+txnID, hsToken, payload)
		if status != http.StatusOK {
			t.Fatalf("delivery %d status = %d: %s", i, status, body)
		}
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil || len(decoded) != 0 {
			t.Errorf("delivery %d body = %q, want {}", i, body)
		}
	}
}

func TestTransactionMalformedBody(t *testing.T) {
	requireStack(t)
	req, err := http.NewRequest(http.MethodPut, appserviceURL+"/_matrix/app/v1/transactions/e2e_bad", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+hsToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueryUnownedUser(t *testing.T) {
	requireStack(t)
	status, body := doJSON(t, http.MethodGet, "/_matrix/app/v1/users/@definitely_not_owned_e2e:example.org", hsToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unowned user query status = %d, want 404", status)
	}
	if got := errcodeOf(t, body); got != "M_NOT_FOUND" {
		t.Errorf("errcode = %q, want M_NOT_FOUND", got)
	}
}

func TestThirdPartyNotImplemented(t *testing.T) {
	requireStack(t)
	status, _ := doJSON(t, http.MethodGet, "/_matrix/app/v1/thirdparty/protocol/e2e", hsToken, nil)
	if status != http.StatusNotImplemented {
		t.Errorf("thirdparty protocol status = %d, want 501", status)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	requireStack(t)
	status, body := doJSON(t, http.MethodGet, "/_matrix/app/v1/nope", hsToken, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown endpoint status = %d, want 404", status)
	}
	if got := errcodeOf(t, body); got != "M_UNRECOGNIZED" {
		t.Errorf("errcode = %q, want M_UNRECOGNIZED", got)
	}
}
