package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("expected path /api/generate, got %s", r.URL.Path)
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if body["model"] != "llama3" {
			t.Errorf("expected model llama3, got %v", body["model"])
		}
		if body["stream"] != false {
			t.Error("expected stream=false")
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": "a consolidated insight",
			"done":     true,
		})
	}))
	defer server.Close()

	c := New(server.URL, "llama3", 5*time.Second)
	defer c.Close()

	out, err := c.Generate(context.Background(), "summarize this memory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "a consolidated insight" {
		t.Errorf("unexpected response: %q", out)
	}

	stats := c.GetStats()
	if stats.SuccessCount != 1 || stats.FailureCount != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClient_GenerateServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "model llama3 not found",
		})
	}))
	defer server.Close()

	c := New(server.URL, "llama3", 5*time.Second)
	defer c.Close()

	_, err := c.Generate(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}

	stats := c.GetStats()
	if stats.FailureCount != 1 {
		t.Errorf("expected failure recorded, got %+v", stats)
	}
	if stats.ErrorRate != 1 {
		t.Errorf("expected error rate 1, got %f", stats.ErrorRate)
	}
}

func TestClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("expected path /api/embeddings, got %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float64{0.1, 0.2, 0.3},
		})
	}))
	defer server.Close()

	c := New(server.URL, "nomic-embed-text", 5*time.Second)
	defer c.Close()

	vec, err := c.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim embedding, got %d", len(vec))
	}
}

func TestClient_PingDownService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	c := New(server.URL, "llama3", 5*time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy ping: %v", err)
	}

	server.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure against closed server")
	}
}
