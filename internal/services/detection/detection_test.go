package detection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewClient(Config{Endpoint: srv.URL, APIKey: "test-token", Timeout: 2 * time.Second}, zap.NewNop()), &hits
}

func assertWellFormed(t *testing.T, res models.AssessmentResult) {
	t.Helper()
	assert.True(t, res.Severity.Valid(), "severity %q", res.Severity)
}

func TestAssess_Success(t *testing.T) {
	var captured chatRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))
		io.WriteString(w, completionBody(`{"anomalyDetected":true,"description":"person near door","severity":"medium"}`))
	})

	res := client.Assess(context.Background(), []byte{0xff, 0xd8}, "detect person")

	assert.Equal(t, models.AssessmentResult{AnomalyDetected: true, Description: "person near door", Severity: models.SeverityMedium}, res)

	require.Len(t, captured.Messages, 1)
	parts := captured.Messages[0].Content
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "detect person")
	require.NotNil(t, parts[1].ImageURL)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,"))
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
	assert.Equal(t, uint64(1), client.Stats().Succeeded)
}

func TestAssess_EmptyInputsSkipCall(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, completionBody(`{}`))
	})

	res := client.Assess(context.Background(), nil, "detect person")
	assert.Equal(t, models.SafeDefault(ReasonMissingInput), res)

	res = client.Assess(context.Background(), []byte{1}, "   ")
	assert.Equal(t, models.SafeDefault(ReasonMissingInput), res)

	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
	assert.Equal(t, uint64(2), client.Stats().Skipped)
}

func TestAssess_FallbackPayloads(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"overloaded"}`, ReasonRequestFailed},
		{"rate limited", http.StatusTooManyRequests, ``, ReasonRequestFailed},
		{"envelope not json", http.StatusOK, `<html>`, ReasonParseFailed},
		{"no choices", http.StatusOK, `{"choices":[]}`, ReasonParseFailed},
		{"truncated content", http.StatusOK, completionBody(`{"anomalyDetected":true,"descr`), ReasonParseFailed},
		{"empty content", http.StatusOK, completionBody(``), ReasonParseFailed},
		{"prose content", http.StatusOK, completionBody(`I think there is a person.`), ReasonParseFailed},
		{"missing severity", http.StatusOK, completionBody(`{"anomalyDetected":true,"description":"x"}`), ReasonMissingFields},
		{"missing flag", http.StatusOK, completionBody(`{"description":"x","severity":"low"}`), ReasonMissingFields},
		{"unknown severity", http.StatusOK, completionBody(`{"anomalyDetected":true,"description":"x","severity":"critical"}`), ReasonInvalidVerdict},
		{"wrong types", http.StatusOK, completionBody(`{"anomalyDetected":"yes","description":"x","severity":"low"}`), ReasonParseFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})

			res := client.Assess(context.Background(), []byte{0xff}, "detect person")

			assert.Equal(t, models.SafeDefault(tc.reason), res)
			assertWellFormed(t, res)
		})
	}
}

func TestAssess_SeverityNormalised(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, completionBody(`{"anomalyDetected":false,"description":"empty street","severity":" High "}`))
	})

	res := client.Assess(context.Background(), []byte{0xff}, "detect person")
	assert.Equal(t, models.SeverityHigh, res.Severity)
	assert.False(t, res.AnomalyDetected)
}

func TestAssess_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	client := NewClient(Config{Endpoint: endpoint, Timeout: time.Second}, zap.NewNop())
	res := client.Assess(context.Background(), []byte{0xff}, "detect person")

	assert.Equal(t, models.SafeDefault(ReasonRequestFailed), res)
	assert.Equal(t, uint64(1), client.Stats().RequestFailures)
}

func TestAssess_Timeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := client.Assess(ctx, []byte{0xff}, "detect person")
	assert.Equal(t, models.SafeDefault(ReasonRequestFailed), res)
}
