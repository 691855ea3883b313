package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"scenesync/auth"
	"scenesync/core"
	"scenesync/realtime"
	"scenesync/relay"
	"scenesync/session"
	"scenesync/stores/memory"
)

func newTestRouter(issuer *auth.Issuer) (*chi.Mux, *relay.Service) {
	store := memory.NewRowStore()
	svc := relay.NewService(store, realtime.NewMemoryHub(), store)
	r := chi.NewRouter()
	Routes(r, svc, issuer, "https://example.com/app")
	return r, svc
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCreate(t *testing.T) {
	r, _ := newTestRouter(nil)

	rec := do(t, r, http.MethodPost, "/api/sessions", "", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}

	var ticket session.Ticket
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ticket.ID == "" {
		t.Fatal("Ticket ID is empty")
	}
	if ticket.Token != "" {
		t.Errorf("Token issued with auth disabled: %q", ticket.Token)
	}
	want := "https://example.com/app/controller.html?session=" + ticket.ID
	if ticket.ControllerURL != want {
		t.Errorf("ControllerURL mismatch: got %q, want %q", ticket.ControllerURL, want)
	}
}

func TestStateAndCommandLifecycle(t *testing.T) {
	r, svc := newTestRouter(nil)
	path := "/api/sessions/s1"

	if rec := do(t, r, http.MethodGet, path, "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Get before first write: got %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, r, http.MethodPut, path+"/command", `{"action":"item_click"}`, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Command before the row exists: got %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, r, http.MethodPut, path+"/state", `{"scene":"1"`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Non-JSON state: got %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if rec := do(t, r, http.MethodPut, path+"/state", `{"scene":"1"}`, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Put state: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	stamp := "2024-05-01T10:00:00.5Z"
	command := `{"action":"item_click","data":{"id":"a"},"timestamp":"` + stamp + `"}`
	if rec := do(t, r, http.MethodPut, path+"/command", command, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Put command: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec := do(t, r, http.MethodGet, path, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Get: got %d, want %d", rec.Code, http.StatusOK)
	}
	var row core.Row
	if err := json.NewDecoder(rec.Body).Decode(&row); err != nil {
		t.Fatalf("Failed to decode row: %v", err)
	}
	if string(row.State) != `{"scene":"1"}` {
		t.Errorf("State mismatch: got %s", row.State)
	}
	if !row.HasCommand() {
		t.Fatal("Command missing from row")
	}

	// a clear for another stamp leaves the newer command in place
	if rec := do(t, r, http.MethodDelete, path+"/command?stamp="+url.QueryEscape("2024-05-01T09:00:00Z"), "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Stale clear: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	got, _ := svc.Get(context.Background(), "s1")
	if !got.HasCommand() {
		t.Error("Stale clear removed the command")
	}

	if rec := do(t, r, http.MethodDelete, path+"/command?stamp="+url.QueryEscape(stamp), "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Clear: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	got, _ = svc.Get(context.Background(), "s1")
	if got.HasCommand() {
		t.Error("Command still present after clear")
	}
}

func TestHandleList(t *testing.T) {
	r, svc := newTestRouter(nil)
	ctx := context.Background()

	if rec := do(t, r, http.MethodGet, "/api/sessions", "", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Empty list mismatch: got %s", rec.Body.String())
	}

	if _, err := svc.UpsertState(ctx, "older", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := svc.UpsertState(ctx, "newer", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	sub, err := svc.Subscribe(ctx, "older")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	rec := do(t, r, http.MethodGet, "/api/sessions", "", "")
	var list []relay.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List length mismatch: got %d, want 2", len(list))
	}
	if list[0].ID != "older" || list[0].Subscribers != 1 {
		t.Errorf("Subscribed session should sort first: got %+v", list[0])
	}
}

func TestWritesRequireToken(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Hour)
	r, _ := newTestRouter(issuer)

	rec := do(t, r, http.MethodPost, "/api/sessions", "", "")
	var ticket session.Ticket
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ticket.Token == "" {
		t.Fatal("No token issued with auth enabled")
	}
	if !strings.Contains(ticket.ControllerURL, session.TokenParam+"=") {
		t.Errorf("Controller URL lacks the token: %s", ticket.ControllerURL)
	}

	path := "/api/sessions/" + ticket.ID + "/state"
	if rec := do(t, r, http.MethodPut, path, `{}`, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Anonymous write: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := do(t, r, http.MethodPut, path, `{}`, ticket.Token); rec.Code != http.StatusNoContent {
		t.Errorf("Authorized write: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := do(t, r, http.MethodPut, "/api/sessions/other/state", `{}`, ticket.Token); rec.Code != http.StatusForbidden {
		t.Errorf("Write to another session: got %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := do(t, r, http.MethodGet, "/api/sessions/"+ticket.ID, "", ""); rec.Code != http.StatusOK {
		t.Errorf("Reads stay open: got %d, want %d", rec.Code, http.StatusOK)
	}
}
