package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCaptureWriterRecordsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newCaptureWriter(rec, 1<<10)

	cw.Header().Set("Content-Type", "application/json")
	cw.WriteHeader(http.StatusCreated)
	if _, err := cw.Write([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if cw.status != http.StatusCreated {
		t.Fatalf("status = %d, want %d", cw.status, http.StatusCreated)
	}
	if string(cw.buf) != `{"ok":true}` {
		t.Fatalf("buf = %q", cw.buf)
	}
	if cw.headers["Content-Type"] != "application/json" {
		t.Fatalf("headers = %v", cw.headers)
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("underlying writer not passed through")
	}
}

func TestCaptureWriterRespectsLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newCaptureWriter(rec, 4)

	if _, err := cw.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(cw.buf) != 4 {
		t.Fatalf("captured %d bytes, want 4", len(cw.buf))
	}
	// The client still receives the full body
	if rec.Body.String() != "abcdefgh" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestCaptureWriterDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newCaptureWriter(rec, 1<<10)

	if _, err := cw.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", cw.status)
	}
}
