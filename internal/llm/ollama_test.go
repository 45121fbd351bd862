package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("non-streaming request should set stream=false")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{Role: "assistant", Content: "Paris [7]."},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	got, err := c.Generate(context.Background(), "llama3.1:8b", "be factual", "capital of France?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Paris [7]." {
		t.Errorf("got %q", got)
	}
}

func TestOllamaClient_GenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, content := range []string{"Pa", "ris", "."} {
			chunk, _ := json.Marshal(chatResponse{Message: chatMessage{Content: content}})
			fmt.Fprintf(w, "%s\n", chunk)
		}
		done, _ := json.Marshal(chatResponse{Done: true})
		fmt.Fprintf(w, "%s\n", done)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	var sb strings.Builder
	err := c.GenerateStream(context.Background(), "llama3.1:8b", "sys", "user", func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sb.String() != "Paris." {
		t.Errorf("got %q", sb.String())
	}
}

func TestOllamaClient_StreamCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			chunk, _ := json.Marshal(chatResponse{Message: chatMessage{Content: "x"}})
			fmt.Fprintf(w, "%s\n", chunk)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	stop := errors.New("stop")
	n := 0
	err := c.GenerateStream(context.Background(), "m", "s", "u", func(string) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error to propagate, got %v", err)
	}
	if n != 3 {
		t.Errorf("callback called %d times after abort", n)
	}
}

func TestOllamaClient_Unreachable(t *testing.T) {
	c := NewOllamaClient(OllamaConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Generate(context.Background(), "m", "s", "u")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "ollama serve") {
		t.Errorf("error should be actionable, got %v", err)
	}
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'nope' not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), "nope", "s", "u")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "ollama pull nope") {
		t.Errorf("error should suggest pulling the model, got %v", err)
	}
}
