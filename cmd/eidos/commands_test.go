package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestReviewQueueRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /review-queue": `{"queue":[{"topic":"Mitosis","mastery":0.4,"forgetting_risk":0.8,"next_review_at":"2025-06-03T12:00:00Z"}]}`,
	})

	client := ts.client()

	resp, err := client.get(ctx, "/review-queue?limit=10&include_exams=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Queue []struct {
			Topic          string  `json:"topic"`
			ForgettingRisk float64 `json:"forgetting_risk"`
		} `json:"queue"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(body.Queue) != 1 || body.Queue[0].Topic != "Mitosis" {
		t.Errorf("queue = %+v, want one Mitosis entry", body.Queue)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Path != "/review-queue?limit=10&include_exams=true" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestDecodeJSONServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/requests/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	// The error surfaces the server's envelope, not the raw body.
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want mention of 404", err)
	}
	if !strings.Contains(err.Error(), "not_found_error") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want envelope type and message", err)
	}
}

func TestPollRequestWaitsForTerminal(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		w.Header().Set("Content-Type", "application/json")
		if polls < 2 {
			fmt.Fprint(w, `{"id":"req-1","status":"generating"}`)
			return
		}
		fmt.Fprint(w, `{"id":"req-1","status":"ready","result":{"contract_version":"v1","questions":[]}}`)
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}

	view, err := pollRequest(ctx, client, "req-1", 10*time.Second)
	if err != nil {
		t.Fatalf("pollRequest() error: %v", err)
	}
	if view.Status != "ready" {
		t.Errorf("status = %q, want ready", view.Status)
	}
	if polls != 2 {
		t.Errorf("polls = %d, want 2", polls)
	}
	if len(view.Result) == 0 {
		t.Error("result is empty, want embedded quiz payload")
	}
}

func TestPollRequestReturnsFailedView(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /requests/req-2": `{"id":"req-2","status":"failed","error_message":"provider returned malformed response"}`,
	})

	view, err := pollRequest(ctx, ts.client(), "req-2", time.Second)
	if err != nil {
		t.Fatalf("pollRequest() error: %v", err)
	}
	if view.Status != "failed" {
		t.Errorf("status = %q, want failed", view.Status)
	}
	if view.ErrorMessage == "" {
		t.Error("error_message is empty")
	}
}

func TestExtractionRequestEncodesContent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /extractions": `{"request_id":"req-3","status":"generating"}`,
	})

	content := []byte("plain text document")
	resp, err := ts.client().post(ctx, "/extractions", map[string]any{
		"content":  content,
		"filename": "notes.txt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var queued struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeJSON(resp, &queued); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if queued.RequestID != "req-3" {
		t.Errorf("request_id = %q, want req-3", queued.RequestID)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	want := base64.StdEncoding.EncodeToString(content)
	if body["content"] != want {
		t.Errorf("body.content = %v, want base64 %q", body["content"], want)
	}
}
