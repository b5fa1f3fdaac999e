package mediation

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sevir/escolta/internal/allowlist"
	"github.com/sevir/escolta/pkg/models"
)

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPermissionAutoApproveAllowlist(t *testing.T) {
	srv := New(Config{
		Mode:  ModeAutoApprove,
		Rules: allowlist.Policy{{Pattern: "/tmp/**"}},
	})
	h := srv.PermissionHandler()

	w := postJSON(t, h, "/permission", `{"operation":"create","filePath":"/tmp/x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var decision models.PermissionDecision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatal("expected allowlisted path to be allowed")
	}

	w = postJSON(t, h, "/permission", `{"operation":"delete","filePath":"/etc/passwd"}`)
	json.Unmarshal(w.Body.Bytes(), &decision)
	if decision.Allowed {
		t.Fatal("expected off-list path to be denied")
	}

	// One path off-list denies a multi-path request.
	w = postJSON(t, h, "/permission", `{"operation":"move","filePaths":["/tmp/a","/home/b"]}`)
	json.Unmarshal(w.Body.Bytes(), &decision)
	if decision.Allowed {
		t.Fatal("expected mixed-path request to be denied")
	}
}

func TestPermissionValidation(t *testing.T) {
	srv := New(Config{Mode: ModeAutoApprove})
	h := srv.PermissionHandler()

	tests := []struct {
		name string
		body string
	}{
		{"missing operation", `{"filePath":"/tmp/x"}`},
		{"invalid operation", `{"operation":"chmod","filePath":"/tmp/x"}`},
		{"missing paths", `{"operation":"create"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, "/permission", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp["error"] == "" {
				t.Fatal("expected error field in response")
			}
		})
	}

	if srv.PendingCount() != 0 {
		t.Fatal("malformed requests must never be registered")
	}
}

func TestPermissionInteractiveResolution(t *testing.T) {
	var mu sync.Mutex
	var notified []models.Event
	srv := New(Config{
		Mode: ModeInteractive,
		Observer: func(ev models.Event) {
			mu.Lock()
			notified = append(notified, ev)
			mu.Unlock()
		},
	})
	h := srv.PermissionHandler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postJSON(t, h, "/permission", `{"request_id":"perm-1","operation":"modify","filePath":"/src/main.go"}`)
	}()

	// Wait for the request to suspend.
	deadline := time.Now().Add(2 * time.Second)
	for srv.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	if len(notified) != 1 || notified[0].Type != models.EventPermissionRequest {
		t.Fatalf("observer not notified correctly: %+v", notified)
	}
	mu.Unlock()

	if !srv.Respond("perm-1", Outcome{Allowed: true}) {
		t.Fatal("Respond returned false for a pending id")
	}

	w := <-done
	var decision models.PermissionDecision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatal("expected allowed decision to reach the caller")
	}

	// Resolve-once: a second attempt is a soft no-op.
	if srv.Respond("perm-1", Outcome{Allowed: false}) {
		t.Fatal("second Respond returned true")
	}
}

func TestRespondUnknownID(t *testing.T) {
	srv := New(Config{Mode: ModeInteractive})
	if srv.Respond("never-issued", Outcome{Allowed: true}) {
		t.Fatal("Respond on unknown id returned true")
	}
}

func TestQuestionAutoModes(t *testing.T) {
	approve := New(Config{Mode: ModeAutoApprove})
	w := postJSON(t, approve.QuestionHandler(), "/question",
		`{"question":"pick one","options":[{"label":"first"},{"label":"second"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var answer models.QuestionAnswer
	json.Unmarshal(w.Body.Bytes(), &answer)
	if len(answer.SelectedOptions) != 1 || answer.SelectedOptions[0] != "first" {
		t.Fatalf("expected first option selected, got %+v", answer)
	}
	if answer.Denied {
		t.Fatal("auto-approve must not deny")
	}

	// An option-less question auto-approves as an empty free-text
	// answer; the customText field must be on the wire so the caller can
	// tell it from no answer.
	w = postJSON(t, approve.QuestionHandler(), "/question", `{"question":"free text?"}`)
	if !strings.Contains(w.Body.String(), `"customText"`) {
		t.Fatalf("free-text auto answer missing customText: %s", w.Body.String())
	}
	answer = models.QuestionAnswer{}
	json.Unmarshal(w.Body.Bytes(), &answer)
	if answer.Denied || len(answer.SelectedOptions) != 0 {
		t.Fatalf("expected empty free-text answer, got %+v", answer)
	}

	deny := New(Config{Mode: ModeAutoDeny})
	w = postJSON(t, deny.QuestionHandler(), "/question", `{"question":"pick one"}`)
	answer = models.QuestionAnswer{}
	json.Unmarshal(w.Body.Bytes(), &answer)
	if !answer.Denied {
		t.Fatal("auto-deny must deny")
	}
}

func TestQuestionValidation(t *testing.T) {
	srv := New(Config{Mode: ModeAutoApprove})
	w := postJSON(t, srv.QuestionHandler(), "/question", `{"header":"no question text"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty question, got %d", w.Code)
	}
}

func TestQuestionInteractiveAnswer(t *testing.T) {
	srv := New(Config{Mode: ModeInteractive})
	h := srv.QuestionHandler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postJSON(t, h, "/question",
			`{"request_id":"q-1","question":"which?","options":[{"label":"a"},{"label":"b"}],"multiSelect":true}`)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !srv.Respond("q-1", Outcome{SelectedOptions: []string{"a", "b"}}) {
		t.Fatal("Respond returned false")
	}

	w := <-done
	var answer models.QuestionAnswer
	if err := json.Unmarshal(w.Body.Bytes(), &answer); err != nil {
		t.Fatal(err)
	}
	if len(answer.SelectedOptions) != 2 {
		t.Fatalf("expected both options, got %+v", answer)
	}
}

func TestOptionsAndUnmatchedRoutes(t *testing.T) {
	srv := New(Config{Mode: ModeAutoApprove})
	h := srv.PermissionHandler()

	req := httptest.NewRequest("OPTIONS", "/permission", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}

	req = httptest.NewRequest("GET", "/nowhere", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] == "" {
		t.Fatal("404 body must carry an error field")
	}
}

func TestCloseFailsPendingSafe(t *testing.T) {
	srv := New(Config{Mode: ModeInteractive})
	h := srv.PermissionHandler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postJSON(t, h, "/permission", `{"request_id":"hung","operation":"delete","filePath":"/x"}`)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Close()

	select {
	case w := <-done:
		var decision models.PermissionDecision
		if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
			t.Fatal(err)
		}
		if decision.Allowed {
			t.Fatal("shutdown must fail safe, not allow")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler still suspended after Close")
	}
}

func TestStartPortInUseIsNonFatal(t *testing.T) {
	// Occupy one port so only the question listener can bind.
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	takenPort := taken.Addr().(*net.TCPAddr).Port

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	freePort := free.Addr().(*net.TCPAddr).Port
	free.Close()

	srv := New(Config{
		Mode:           ModeAutoDeny,
		PermissionPort: takenPort,
		QuestionPort:   freePort,
	})
	srv.Start()
	defer srv.Close()

	if srv.PermissionAvailable() {
		t.Fatal("permission listener should have been skipped")
	}
	if !srv.QuestionAvailable() {
		t.Fatal("question listener should still be up; failure domains are independent")
	}
}
