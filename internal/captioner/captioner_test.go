package captioner

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCaption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "image bytes" {
			t.Errorf("model received %q", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"caption":"a dog on a beach"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)

	caption, err := c.Caption(context.Background(), bytes.NewReader([]byte("image bytes")))
	if err != nil {
		t.Fatalf("Caption() error = %v", err)
	}
	if caption != "a dog on a beach" {
		t.Errorf("caption = %q, want %q", caption, "a dog on a beach")
	}
}

func TestCaption_ModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)

	if _, err := c.Caption(context.Background(), bytes.NewReader(nil)); err == nil {
		t.Fatal("Caption() should fail on a non-200 response")
	}
}

func TestCaption_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond)

	if _, err := c.Caption(context.Background(), bytes.NewReader(nil)); err == nil {
		t.Fatal("Caption() should fail when the model exceeds the timeout")
	}
}
