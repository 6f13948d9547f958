package httpd_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rudenavuud/agent-gate/internal/gate/history"
	"github.com/rudenavuud/agent-gate/internal/gate/httpd"
	"github.com/rudenavuud/agent-gate/internal/gate/pending"
)

func newTestServer(t *testing.T, hist *history.Store) (*httptest.Server, *pending.Registry) {
	t.Helper()
	registry := pending.NewRegistry()
	srv := httpd.New(0, registry, hist)
	ts := httptest.NewServer(srv.TestHandler())
	t.Cleanup(ts.Close)
	return ts, registry
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	registry.Register("00112233aabbccdd", time.Minute)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if body["pending"] != float64(1) {
		t.Errorf("pending = %v, want 1", body["pending"])
	}
}

func TestCallbackResolvesPending(t *testing.T) {
	ts, registry := newTestServer(t, nil)

	done := registry.Register("00112233aabbccdd", time.Minute)
	resp, body := postJSON(t, ts.URL+"/callback", `{"requestId":"00112233aabbccdd","approved":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true || body["resolved"] != true {
		t.Errorf("body = %v", body)
	}

	select {
	case outcome := <-done:
		if outcome != pending.OutcomeApproved {
			t.Errorf("outcome = %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not resolved")
	}
}

func TestCallbackUnknownIDIsNoop(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := postJSON(t, ts.URL+"/callback", `{"requestId":"ffffffffffffffff","approved":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true || body["resolved"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestCallbackBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{not json`},
		{"missing requestId", `{"approved":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, ts.URL+"/callback", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if _, ok := body["error"]; !ok {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestChannelCallback(t *testing.T) {
	ts, registry := newTestServer(t, nil)

	done := registry.Register("00112233aabbccdd", time.Minute)
	resp, body := postJSON(t, ts.URL+"/channel-callback", `{"callback_data":"ag:deny:00112233aabbccdd"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["resolved"] != true {
		t.Errorf("body = %v", body)
	}

	select {
	case outcome := <-done:
		if outcome != pending.OutcomeDenied {
			t.Errorf("outcome = %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not resolved")
	}
}

func TestChannelCallbackRejectsBadData(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for _, data := range []string{"", "ag:approve:short", "ag:maybe:00112233aabbccdd", "nonsense"} {
		resp, body := postJSON(t, ts.URL+"/channel-callback", `{"callback_data":"`+data+`"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("data %q: status = %d", data, resp.StatusCode)
		}
		if _, ok := body["error"]; !ok {
			t.Errorf("data %q: body = %v", data, body)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/callback", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	for i, outcome := range []string{"approved", "denied"} {
		err := store.Record(context.Background(), history.Entry{
			ID:         "001122334455667" + string(rune('0'+i)),
			Reference:  "op://sec/k/f",
			Item:       "k",
			Reason:     "test",
			Outcome:    outcome,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
			ResolvedAt: now.Add(time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	ts, _ := newTestServer(t, store)
	resp, err := http.Get(ts.URL + "/history?limit=10")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var entries []history.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	// Newest first.
	if entries[0].Outcome != "denied" || entries[1].Outcome != "approved" {
		t.Errorf("order = %s, %s", entries[0].Outcome, entries[1].Outcome)
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHistoryBadLimit(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	ts, _ := newTestServer(t, store)
	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		resp, err := http.Get(ts.URL + "/history?" + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, resp.StatusCode)
		}
	}
}
