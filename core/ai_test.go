package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func classifierServer(t *testing.T, delay time.Duration, cl *Classification) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cl)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testMetadata() *RequestMetadata {
	return &RequestMetadata{IP: "198.51.100.9", UserAgent: "curl/8.0", Host: "login.phish.io", Path: "/", Method: "GET"}
}

func TestClassifierBlocks(t *testing.T) {
	srv := classifierServer(t, 0, &Classification{
		IsScanner:         true,
		Confidence:        0.95,
		Reasoning:         "known scanner fingerprint",
		RecommendedAction: "block",
	})

	ai := NewAIClient(&AIConfig{Enabled: true, Endpoint: srv.URL, TimeoutMs: 1000, BlockThreshold: 0.8})
	assert.True(t, ai.ShouldBlock(context.Background(), testMetadata()))
}

func TestClassifierBelowThresholdAllows(t *testing.T) {
	srv := classifierServer(t, 0, &Classification{
		Confidence:        0.5,
		RecommendedAction: "block",
	})

	ai := NewAIClient(&AIConfig{Enabled: true, Endpoint: srv.URL, TimeoutMs: 1000, BlockThreshold: 0.8})
	assert.False(t, ai.ShouldBlock(context.Background(), testMetadata()))
}

func TestClassifierTimeoutFailsOpen(t *testing.T) {
	srv := classifierServer(t, 500*time.Millisecond, &Classification{
		Confidence:        1.0,
		RecommendedAction: "block",
	})

	ai := NewAIClient(&AIConfig{Enabled: true, Endpoint: srv.URL, TimeoutMs: 50, BlockThreshold: 0.8})
	assert.False(t, ai.ShouldBlock(context.Background(), testMetadata()))
}

func TestClassifierUnreachableFailsOpen(t *testing.T) {
	ai := NewAIClient(&AIConfig{Enabled: true, Endpoint: "http://127.0.0.1:1", TimeoutMs: 200, BlockThreshold: 0.8})
	assert.False(t, ai.ShouldBlock(context.Background(), testMetadata()))
}

func TestClassifierDisabled(t *testing.T) {
	ai := NewAIClient(&AIConfig{Enabled: false})
	assert.False(t, ai.ShouldBlock(context.Background(), testMetadata()))
}

func TestModifierFailureReturnsOriginal(t *testing.T) {
	ai := NewAIClient(&AIConfig{Enabled: true, ModifyEnabled: true, Endpoint: "http://127.0.0.1:1", TimeoutMs: 200})

	body := []byte("<html>original</html>")
	out, changed := ai.Modify(context.Background(), body, "example", "fingerprint")
	assert.False(t, changed)
	assert.Equal(t, body, out)
}

func TestModifierApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&Modification{
			ModifiedContent: "<html>rewritten</html>",
			ChangesMade:     []string{"renamed form ids"},
		})
	}))
	defer srv.Close()

	ai := NewAIClient(&AIConfig{Enabled: true, ModifyEnabled: true, Endpoint: srv.URL, TimeoutMs: 1000})
	out, changed := ai.Modify(context.Background(), []byte("<html>original</html>"), "example", "fingerprint")
	assert.True(t, changed)
	assert.Equal(t, []byte("<html>rewritten</html>"), out)
}

func TestModifierDisabledPassthrough(t *testing.T) {
	ai := NewAIClient(&AIConfig{Enabled: true, ModifyEnabled: false, Endpoint: "http://127.0.0.1:1"})
	body := []byte("x")
	out, changed := ai.Modify(context.Background(), body, "example", "")
	assert.False(t, changed)
	assert.Equal(t, body, out)
}
