package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gkobilansky/abengine/internal/server"
)

func TestGenerateClientScript(t *testing.T) {
	script := server.GenerateClientScript("http://localhost:8080")

	if !strings.Contains(script, "(function()") || !strings.Contains(script, "})();") {
		t.Error("expected script to be an IIFE")
	}
	for _, want := range []string{"'http://localhost:8080'", "/assign?experiment=", "sendBeacon", "/b", "'exposure'", "'conversion'"} {
		if !strings.Contains(script, want) {
			t.Errorf("expected script to contain %q", want)
		}
	}
}

func TestGenerateClientScript_FallbackSendsNoExposure(t *testing.T) {
	script := server.GenerateClientScript("http://localhost:8080")

	guard := strings.Index(script, "if(a.fallback)return;")
	if guard < 0 {
		t.Fatal("expected script to skip fallback assignments")
	}
	exposure := strings.Index(script, "beacon(x,a.variant,'exposure')")
	store := strings.Index(script, "localStorage.setItem('abe_'+x,a.variant)")
	if exposure < guard || store < guard {
		t.Error("expected exposure beacon and stored variant to come after the fallback guard")
	}
	if show := strings.Index(script, "el.hidden=false"); show > guard {
		t.Error("expected the fallback variant to be shown before the guard")
	}
}

func TestClientJS_Endpoint(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/client.js", nil)
	req.Host = "ab.example.com"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "'http://ab.example.com'") {
		t.Error("expected script bound to the request host")
	}
}
