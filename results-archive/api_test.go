package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/animus-labs/rubberband/internal/analysis"
	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/platform/auth"
	"github.com/animus-labs/rubberband/internal/platform/mailer"
	"github.com/animus-labs/rubberband/internal/repo/memstore"
	"github.com/animus-labs/rubberband/internal/service/ingest"
	"github.com/animus-labs/rubberband/internal/service/lifecycle"
	store "github.com/animus-labs/rubberband/internal/storage/objectstore"
	"github.com/google/go-cmp/cmp"
)

const testBaseURL = "http://archive.test"

type stubParser struct{}

func (stubParser) Parse(ctx context.Context, in analysis.Input) (analysis.TestRun, error) {
	return analysis.TestRun{
		Columns: map[string]map[string]any{
			"ProblemName": {"0": "p1", "1": "p2"},
			"Solver":      {"0": "SCIP", "1": "SCIP"},
			"Version":     {"0": "8.0.0", "1": "8.0.0"},
			"SolvingTime": {"0": 1.5, "1": 2.5},
		},
		Metadata:        map[string]any{"TstName": "short"},
		Settings:        map[string]any{"limits/time": 3600.0},
		DefaultSettings: map[string]any{"limits/time": 1e20},
	}, nil
}

// tokenAuth maps bearer tokens to fixed identities.
type tokenAuth map[string]auth.Identity

func (a tokenAuth) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if id, ok := a[token]; ok {
		return id, nil
	}
	return auth.Identity{}, auth.ErrUnauthenticated
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (m *recordingMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type testServer struct {
	api     *archiveAPI
	runs    *memstore.Store
	objects *store.MemoryStore
	mail    *recordingMailer
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	ts := &testServer{
		runs:    memstore.New(),
		objects: store.NewMemoryStore(),
		mail:    &recordingMailer{},
	}
	ingestService, err := ingest.NewService(ts.runs, ts.objects, stubParser{}, nil, ingest.Config{
		Bucket:     "backups",
		ScratchDir: filepath.Join(dir, "ingest"),
	}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lifecycleService, err := lifecycle.NewService(ts.runs, ts.objects, "backups", 0, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts.api = newArchiveAPI(context.Background(), logger, archiveDeps{
		Runs:       ts.runs,
		Objects:    ts.objects,
		Bucket:     "backups",
		Ingest:     ingestService,
		Lifecycle:  lifecycleService,
		Mail:       ts.mail,
		BaseURL:    testBaseURL + "/",
		ScratchDir: filepath.Join(dir, "uploads"),
	})
	mux := http.NewServeMux()
	ts.api.register(mux)
	ts.handler = auth.Middleware{
		Logger: logger,
		Authenticator: tokenAuth{
			"alice": {Subject: "alice", Email: "alice@example.org", Roles: []string{auth.RoleEditor}},
			"bob":   {Subject: "bob", Email: "bob@example.org", Roles: []string{auth.RoleEditor}},
			"root":  {Subject: "root", Roles: []string{auth.RoleAdmin}},
			"guest": {Subject: "guest", Roles: []string{auth.RoleViewer}},
		},
		Authorize: auth.MethodRoleAuthorizer(),
	}.Wrap(mux)
	return ts
}

func (ts *testServer) do(t *testing.T, token string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequestFor(t *testing.T, path string, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile(name, name)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func bundleFiles(log string) map[string]string {
	return map[string]string{
		"check.short.scip.linux.x86_64.gnu.opt.spx.default.out": log,
		"check.short.scip.linux.x86_64.gnu.opt.spx.default.err": "no warnings",
	}
}

func decodeUploads(t *testing.T, rec *httptest.ResponseRecorder) []uploadResponse {
	t.Helper()
	var out []uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func uploadOne(t *testing.T, ts *testServer, token, log string) string {
	t.Helper()
	rec := ts.do(t, token, uploadRequestFor(t, "/api/upload", bundleFiles(log), nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeUploads(t, rec)
	return strings.TrimPrefix(resp[0].URL, testBaseURL+ingest.ResultURL(""))
}

func TestUpload_NotMultipartReportsMissingFiles(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/upload", strings.NewReader("something"))
	rec := ts.do(t, "alice", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeUploads(t, rec)
	if len(resp) != 1 || resp[0].Status != "fail" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp[0].URL != testBaseURL {
		t.Fatalf("url=%q, want %q", resp[0].URL, testBaseURL)
	}
	general := resp[0].Errors[domain.GeneralMessageKey]
	if len(general) == 0 || !strings.HasPrefix(general[0], "Missing required files:") {
		t.Fatalf("errors=%v", resp[0].Errors)
	}
}

func TestUpload_FailedBundleKeepsScratchFiles(t *testing.T) {
	ts := newTestServer(t)

	uploadOne(t, ts, "alice", "stored log")
	entries, err := os.ReadDir(ts.api.scratchDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stored upload left %d scratch dirs", len(entries))
	}

	req := uploadRequestFor(t, "/api/upload", map[string]string{"lonely.err": "stderr only"}, nil)
	if rec := ts.do(t, "alice", req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	entries, err = os.ReadDir(ts.api.scratchDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("scratch dirs=%d, want the failed upload kept", len(entries))
	}
	kept, err := os.ReadDir(filepath.Join(ts.api.scratchDir, entries[0].Name()))
	if err != nil || len(kept) != 1 || kept[0].Name() != "lonely.err" {
		t.Fatalf("kept files=%v err=%v", kept, err)
	}
}

func TestUpload_CreatedThenDuplicate(t *testing.T) {
	ts := newTestServer(t)

	req := uploadRequestFor(t, "/api/upload", bundleFiles("solver log"), map[string]string{
		"tags":           " nightly , , perf",
		"expirationdate": "2030-01-31",
	})
	rec := ts.do(t, "alice", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeUploads(t, rec)
	if len(resp) != 1 || resp[0].Status != "success" || len(resp[0].Errors) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp[0].URL, testBaseURL+"/result/") {
		t.Fatalf("url=%q", resp[0].URL)
	}
	runID := strings.TrimPrefix(resp[0].URL, testBaseURL+"/result/")

	run, err := ts.runs.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"nightly", "perf"}, run.Tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
	if run.ExpirationDate == nil || run.ExpirationDate.Format(domain.DateLayout) != "2030-01-31" {
		t.Fatalf("expiration=%v", run.ExpirationDate)
	}
	if run.Uploader != "alice@example.org" {
		t.Fatalf("uploader=%q", run.Uploader)
	}

	rec = ts.do(t, "bob", uploadRequestFor(t, "/api/upload", bundleFiles("solver log"), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp = decodeUploads(t, rec)
	if resp[0].Status != "duplicate" || resp[0].URL != testBaseURL+"/result/"+runID {
		t.Fatalf("unexpected duplicate response: %+v", resp[0])
	}
	if ts.runs.RunCount() != 1 {
		t.Fatalf("runs=%d, want 1", ts.runs.RunCount())
	}
}

func TestUpload_InvalidExpirationDate(t *testing.T) {
	ts := newTestServer(t)

	req := uploadRequestFor(t, "/api/upload", bundleFiles("log"), map[string]string{"expirationdate": "31.01.2030"})
	rec := ts.do(t, "alice", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_expirationdate") {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if ts.runs.RunCount() != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestUpload_ViewerIsForbidden(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "guest", uploadRequestFor(t, "/api/upload", bundleFiles("log"), nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestUploadAsync_MailsReport(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "alice", uploadRequestFor(t, "/api/upload/async", bundleFiles("async log"), nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var queued uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &queued); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uploadResponse{Status: "queued", URL: testBaseURL, Msg: "Check your inbox."}
	if diff := cmp.Diff(want, queued); diff != "" {
		t.Fatalf("queued response mismatch (-want +got):\n%s", diff)
	}

	ts.api.wait()
	ts.mail.mu.Lock()
	defer ts.mail.mu.Unlock()
	if len(ts.mail.sent) != 1 {
		t.Fatalf("sent=%d, want 1", len(ts.mail.sent))
	}
	msg := ts.mail.sent[0]
	if msg.Subject != "Rubberband file upload: success" {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if diff := cmp.Diff([]string{"alice@example.org"}, msg.To); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	var reported []uploadResponse
	if err := json.Unmarshal([]byte(msg.Body), &reported); err != nil {
		t.Fatalf("decode mail body: %v", err)
	}
	if len(reported) != 1 || reported[0].Status != "success" {
		t.Fatalf("reported=%+v", reported)
	}
	if ts.runs.RunCount() != 1 {
		t.Fatalf("runs=%d, want 1", ts.runs.RunCount())
	}
}

func TestGetResult_ReturnsSettingsAndResults(t *testing.T) {
	ts := newTestServer(t)
	runID := uploadOne(t, ts, "alice", "log")

	rec := ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/result/"+runID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var detail runDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Run.ID != runID || detail.Run.Solver != "SCIP" || detail.Run.TestSet != "short" {
		t.Fatalf("run=%+v", detail.Run)
	}
	wantSettings := []domain.SettingPair{{Name: "limits/time", Setting: 3600.0, Default: 1e20}}
	if diff := cmp.Diff(wantSettings, detail.Settings); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
	if len(detail.Results) != 2 {
		t.Fatalf("results=%d, want 2", len(detail.Results))
	}

	rec = ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/result/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestGetFile(t *testing.T) {
	ts := newTestServer(t)
	runID := uploadOne(t, ts, "alice", "raw solver output")

	rec := ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/result/"+runID+"/files/out", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "raw solver output" {
		t.Fatalf("body=%q", rec.Body.String())
	}

	rec = ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/result/"+runID+"/files/solu", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("solu status=%d, want 400", rec.Code)
	}
	rec = ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/result/"+runID+"/files/set", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("set status=%d, want 404", rec.Code)
	}
}

func TestUpdateTags_OwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	runID := uploadOne(t, ts, "alice", "log")

	patch := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/api/result/"+runID, strings.NewReader(`{"tags":["kept"," new "]}`))
		return ts.do(t, token, req)
	}
	if rec := patch("bob"); rec.Code != http.StatusForbidden {
		t.Fatalf("bob status=%d, want 403", rec.Code)
	}
	rec := patch("alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	run, err := ts.runs.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"kept", "new"}, run.Tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete_AdminRemovesEverything(t *testing.T) {
	ts := newTestServer(t)
	runID := uploadOne(t, ts, "alice", "log")

	del := httptest.NewRequest(http.MethodDelete, "/api/result/"+runID, nil)
	if rec := ts.do(t, "bob", del); rec.Code != http.StatusForbidden {
		t.Fatalf("bob status=%d, want 403", rec.Code)
	}
	rec := ts.do(t, "root", httptest.NewRequest(http.MethodDelete, "/api/result/"+runID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	results, settings, backups := ts.runs.Counts(runID)
	if ts.runs.RunCount() != 0 || results != 0 || settings != 0 || backups != 0 {
		t.Fatalf("leftovers: runs=%d results=%d settings=%d backups=%d", ts.runs.RunCount(), results, settings, backups)
	}
	if ts.objects.Len() != 0 {
		t.Fatalf("objects=%d, want 0", ts.objects.Len())
	}
	rec = ts.do(t, "root", httptest.NewRequest(http.MethodDelete, "/api/result/"+runID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", rec.Code)
	}
}

func TestReimport_FromBackups(t *testing.T) {
	ts := newTestServer(t)
	runID := uploadOne(t, ts, "alice", "log")

	rec := ts.do(t, "alice", httptest.NewRequest(http.MethodPut, "/api/result/"+runID, nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeUploads(t, rec)
	if resp[0].Status != "success" || resp[0].URL != testBaseURL+"/result/"+runID {
		t.Fatalf("unexpected response: %+v", resp[0])
	}
	if ts.runs.RunCount() != 1 {
		t.Fatalf("runs=%d, want 1", ts.runs.RunCount())
	}
	results, settings, _ := ts.runs.Counts(runID)
	if results != 2 || settings != 2 {
		t.Fatalf("results=%d settings=%d", results, settings)
	}
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	uploadOne(t, ts, "alice", "first")
	uploadOne(t, ts, "bob", "second")

	rec := ts.do(t, "guest", httptest.NewRequest(http.MethodGet, "/api/runs?uploader=bob@example.org", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Runs []runView `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].Uploader != "bob@example.org" {
		t.Fatalf("runs=%+v", body.Runs)
	}
}

func TestUploadStatusCode(t *testing.T) {
	report := func(status domain.ImportStatus) *domain.ImportReport {
		r := domain.NewImportReport("x.out")
		r.Finish(status, "", "")
		return r
	}
	tests := []struct {
		name     string
		statuses []domain.ImportStatus
		want     int
	}{
		{"all duplicates", []domain.ImportStatus{domain.StatusDuplicate}, http.StatusOK},
		{"one created", []domain.ImportStatus{domain.StatusDuplicate, domain.StatusSuccess}, http.StatusCreated},
		{"any failure", []domain.ImportStatus{domain.StatusSuccess, domain.StatusFail}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reports []*domain.ImportReport
			for _, s := range tt.statuses {
				reports = append(reports, report(s))
			}
			if got := uploadStatusCode(reports); got != tt.want {
				t.Fatalf("uploadStatusCode()=%d, want %d", got, tt.want)
			}
		})
	}
}
