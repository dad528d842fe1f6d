package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/freema/regforge/internal/account"
	"github.com/freema/regforge/internal/envfile"
	"github.com/freema/regforge/internal/workflow"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantRedis  string
	}{
		{"connected", nil, http.StatusOK, "connected"},
		{"disconnected", errors.New("dial tcp: refused"), http.StatusServiceUnavailable, "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(fakePinger{tt.pingErr}, func() int32 { return 2 }, "v1.2.3")
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp healthResponse
			decodeBody(t, rec, &resp)
			if resp.Redis != tt.wantRedis || resp.Version != "v1.2.3" || resp.ActiveWorkers != 2 {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestReady(t *testing.T) {
	h := NewHealthHandler(fakePinger{}, nil, "dev")

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	h.SetReady(false)
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestDocs_ETag(t *testing.T) {
	h := NewDocsHandler([]byte("openapi: 3.0.3\n"), "v1")

	rec := httptest.NewRecorder()
	h.OpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.yaml", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "openapi: 3.0.3\n" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/docs/openapi.yaml", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.OpenAPISpec(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.SwaggerUI(rec, httptest.NewRequest(http.MethodGet, "/api/docs", nil))
	if !strings.Contains(rec.Body.String(), "RegForge API v1") {
		t.Error("swagger page missing title")
	}
}

func TestRunCreate_RejectsBeforeQueueing(t *testing.T) {
	registry := workflow.NewRegistry(workflow.CompleteRegistration, workflow.Defaults(workflow.Settings{Python: "python3"})...)
	h := NewRunHandler(nil, registry, nil, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"bad callback", `{"callback_url":"not a url"}`, http.StatusBadRequest},
		{"negative timeout", `{"timeout_seconds":-5}`, http.StatusBadRequest},
		{"unknown workflow", `{"workflow":"mine-bitcoin"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestRunList_HistoryDisabled(t *testing.T) {
	h := NewRunHandler(nil, workflow.NewRegistry(""), nil, nil)
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestWorkflowList(t *testing.T) {
	registry := workflow.NewRegistry(workflow.CompleteRegistration, workflow.Defaults(workflow.Settings{Python: "python3"})...)
	h := NewWorkflowHandler(registry)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Workflows []struct {
			Name    string `json:"name"`
			Default bool   `json:"default"`
		} `json:"workflows"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Workflows) != 2 {
		t.Fatalf("workflows = %+v", resp.Workflows)
	}
	for _, wf := range resp.Workflows {
		if wf.Default != (wf.Name == workflow.CompleteRegistration) {
			t.Errorf("workflow %s default = %v", wf.Name, wf.Default)
		}
	}
}

func TestAccountList_OmitsPasswords(t *testing.T) {
	dir := t.TempDir()
	store := account.NewStore(filepath.Join(dir, "accounts.txt"), "", nil)
	if _, err := store.Save("a@x.com", "hunter2"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := httptest.NewRecorder()
	NewAccountHandler(store).List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("password leaked in response")
	}
	if !strings.Contains(rec.Body.String(), "a@x.com") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAccountCreate(t *testing.T) {
	dir := t.TempDir()
	store := account.NewStore(filepath.Join(dir, "accounts.txt"), "", nil)
	h := NewAccountHandler(store)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSaved  bool
	}{
		{"new account", `{"email":"a@x.com","password":"pw1"}`, http.StatusCreated, true},
		{"duplicate email", `{"email":"a@x.com","password":"other"}`, http.StatusOK, false},
		{"second account", `{"email":"b@x.com","password":"pw2"}`, http.StatusCreated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp struct {
				Email string `json:"email"`
				Saved bool   `json:"saved"`
			}
			decodeBody(t, rec, &resp)
			if resp.Saved != tt.wantSaved {
				t.Errorf("saved = %v, want %v", resp.Saved, tt.wantSaved)
			}
			if strings.Contains(rec.Body.String(), "pw") {
				t.Errorf("password echoed: %s", rec.Body.String())
			}
		})
	}

	records, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Email != "a@x.com" || records[1].Email != "b@x.com" {
		t.Errorf("records = %+v", records)
	}
}

func TestAccountCreate_Rejects(t *testing.T) {
	h := NewAccountHandler(account.NewStore(filepath.Join(t.TempDir(), "accounts.txt"), "", nil))

	for name, body := range map[string]string{
		"invalid json":     `{`,
		"missing password": `{"email":"a@x.com"}`,
		"invalid email":    `{"email":"not-an-email","password":"pw"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAccountCreate_StoreFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewAccountHandler(account.NewStore(filepath.Join(blocker, "accounts.txt"), "", nil))

	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(`{"email":"a@x.com","password":"pw"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	h := NewSettingsHandler(envfile.NewStore(path))

	body := `{"groups":[{"group":"基础配置","items":[{"key":"DOMAIN","value":"example.com","comment":"mail domain"}]}]}`
	rec := httptest.NewRecorder()
	h.Put(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings/env", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Put status = %d: %s", rec.Code, rec.Body.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading env file: %v", err)
	}
	if !strings.Contains(string(data), "# mail domain\nDOMAIN=example.com\n") {
		t.Errorf("file = %q", data)
	}

	rec = httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings/env", nil))
	var resp struct {
		Groups []envfile.Group `json:"groups"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Groups) != 1 || resp.Groups[0].Items[0].Comment != "mail domain" {
		t.Errorf("groups = %+v", resp.Groups)
	}
}

func TestSettings_PutRejectsInvalid(t *testing.T) {
	h := NewSettingsHandler(envfile.NewStore(filepath.Join(t.TempDir(), ".env")))

	tests := []struct {
		name string
		body string
	}{
		{"lower-case key", `{"groups":[{"group":"其他配置","items":[{"key":"domain","value":"x"}]}]}`},
		{"multi-line value", `{"groups":[{"group":"其他配置","items":[{"key":"A","value":"x\ny"}]}]}`},
		{"missing groups", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Put(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings/env", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSettings_Raw(t *testing.T) {
	h := NewSettingsHandler(envfile.NewStore(filepath.Join(t.TempDir(), ".env")))

	rec := httptest.NewRecorder()
	h.GetRaw(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings/env/raw", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("missing file: %d %q", rec.Code, rec.Body.String())
	}

	raw := "IMAP_SERVER=imap.x.com\nBROWSER_HEADLESS=True\n"
	rec = httptest.NewRecorder()
	h.PutRaw(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings/env/raw", strings.NewReader(raw)))
	if rec.Code != http.StatusOK {
		t.Fatalf("PutRaw status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetRaw(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings/env/raw", nil))
	if rec.Body.String() != raw {
		t.Errorf("raw = %q, want %q", rec.Body.String(), raw)
	}
}

func TestSettings_RawTooLarge(t *testing.T) {
	h := NewSettingsHandler(envfile.NewStore(filepath.Join(t.TempDir(), ".env")))
	body := strings.Repeat("A", maxRawSettings+1)

	rec := httptest.NewRecorder()
	h.PutRaw(rec, httptest.NewRequest(http.MethodPut, "/api/v1/settings/env/raw", strings.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}
