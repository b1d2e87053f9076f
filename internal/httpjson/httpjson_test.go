package httpjson

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteCodedError(rr, http.StatusBadRequest, "config_invalid", "bad")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("content-type: %q", got)
	}
	if body := rr.Body.String(); body != "{\"error\":\"bad\",\"code\":\"config_invalid\"}\n" {
		t.Fatalf("body: %q", body)
	}
}

func TestWriteNil(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, http.StatusNoContent, nil)
	if rr.Code != http.StatusNoContent || rr.Body.Len() != 0 {
		t.Fatalf("unexpected response: %d %q", rr.Code, rr.Body.String())
	}
}
