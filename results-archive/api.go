package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/platform/auth"
	"github.com/animus-labs/rubberband/internal/platform/mailer"
	"github.com/animus-labs/rubberband/internal/repo"
	"github.com/animus-labs/rubberband/internal/service/ingest"
	"github.com/animus-labs/rubberband/internal/service/lifecycle"
	store "github.com/animus-labs/rubberband/internal/storage/objectstore"
	"github.com/dustin/go-humanize"
)

type archiveAPI struct {
	logger         *slog.Logger
	runs           repo.RunStore
	objects        store.Store
	bucket         string
	ingest         *ingest.Service
	lifecycle      *lifecycle.Service
	mail           mailer.Sender
	baseURL        string
	scratchDir     string
	uploadMaxBytes int64

	// background is the parent of async uploads; it outlives the request.
	background context.Context
	pending    sync.WaitGroup
}

type archiveDeps struct {
	Runs           repo.RunStore
	Objects        store.Store
	Bucket         string
	Ingest         *ingest.Service
	Lifecycle      *lifecycle.Service
	Mail           mailer.Sender
	BaseURL        string
	ScratchDir     string
	UploadMaxBytes int64
}

func newArchiveAPI(ctx context.Context, logger *slog.Logger, deps archiveDeps) *archiveAPI {
	if deps.UploadMaxBytes <= 0 {
		deps.UploadMaxBytes = 512 << 20
	}
	if deps.Mail == nil {
		deps.Mail = mailer.Discard{}
	}
	if deps.ScratchDir == "" {
		deps.ScratchDir = filepath.Join(os.TempDir(), "rubberband")
	}
	return &archiveAPI{
		logger:         logger,
		runs:           deps.Runs,
		objects:        deps.Objects,
		bucket:         deps.Bucket,
		ingest:         deps.Ingest,
		lifecycle:      deps.Lifecycle,
		mail:           deps.Mail,
		baseURL:        strings.TrimRight(deps.BaseURL, "/"),
		scratchDir:     deps.ScratchDir,
		uploadMaxBytes: deps.UploadMaxBytes,
		background:     context.WithoutCancel(ctx),
	}
}

func (api *archiveAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/upload", api.handleUpload)
	mux.HandleFunc("PUT /api/upload/async", api.handleUploadAsync)

	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/result/{run_id}", api.handleGetResult)
	mux.HandleFunc("PUT /api/result/{run_id}", api.handleReimport)
	mux.HandleFunc("PATCH /api/result/{run_id}", api.handleUpdateTags)
	mux.HandleFunc("DELETE /api/result/{run_id}", api.handleDelete)
	mux.HandleFunc("GET /api/result/{run_id}/files/{type}", api.handleGetFile)
}

// wait blocks until every queued async upload has finished.
func (api *archiveAPI) wait() {
	api.pending.Wait()
}

type uploadResponse struct {
	Status   string              `json:"status"`
	URL      string              `json:"url"`
	Basename string              `json:"basename,omitempty"`
	Msg      string              `json:"msg,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

type uploadRequest struct {
	dir   string
	paths []string
	opts  ingest.Options
}

func (api *archiveAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Name() == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	req, ok := api.readUpload(w, r, identity)
	if !ok {
		return
	}
	reports, err := api.ingest.ImportAll(r.Context(), req.paths, req.opts)
	api.releaseUpload(req, reports, err)
	if err != nil {
		api.writeIngestError(w, r, err)
		return
	}
	api.writeJSON(w, uploadStatusCode(reports), api.uploadResponses(reports))
}

func (api *archiveAPI) handleUploadAsync(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Name() == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	req, ok := api.readUpload(w, r, identity)
	if !ok {
		return
	}

	api.pending.Add(1)
	go func() {
		defer api.pending.Done()
		api.importAndNotify(identity, req)
	}()

	api.writeJSON(w, http.StatusAccepted, uploadResponse{
		Status: "queued",
		URL:    api.baseURL,
		Msg:    "Check your inbox.",
	})
}

func (api *archiveAPI) importAndNotify(identity auth.Identity, req uploadRequest) {
	logger := api.logger.With("user", req.opts.User, "files", len(req.paths))
	reports, importErr := api.ingest.ImportAll(api.background, req.paths, req.opts)
	api.releaseUpload(req, reports, importErr)
	if importErr != nil {
		logger.Error("async upload failed", "error", importErr)
	}
	responses := api.uploadResponses(reports)

	to := strings.TrimSpace(identity.Email)
	if to == "" {
		logger.Warn("async upload finished without a mail address; report dropped")
		return
	}
	body, err := json.MarshalIndent(responses, "", "  ")
	if err != nil {
		logger.Error("encode upload report", "error", err)
		return
	}
	msg := mailer.Message{
		To:      []string{to},
		Subject: "Rubberband file upload: " + overallStatus(reports, importErr),
		Body:    string(body),
	}
	sendCtx, cancel := context.WithTimeout(api.background, 30*time.Second)
	defer cancel()
	if err := api.mail.Send(sendCtx, msg); err != nil {
		logger.Error("upload report delivery failed", "to", to, "error", err)
		return
	}
	logger.Info("upload report sent", "to", to)
}

// releaseUpload removes the scratch directory of an upload unless one of its
// bundles failed, in which case the files stay for inspection.
func (api *archiveAPI) releaseUpload(req uploadRequest, reports []*domain.ImportReport, err error) {
	if overallStatus(reports, err) == string(domain.StatusFail) {
		api.logger.Warn("upload failed, scratch files kept", "dir", req.dir)
		return
	}
	if err := os.RemoveAll(req.dir); err != nil {
		api.logger.Warn("remove upload dir failed", "dir", req.dir, "error", err)
	}
}

// readUpload stores the multipart files of r in a fresh scratch directory.
// It writes the error response itself and reports false on failure.
func (api *archiveAPI) readUpload(w http.ResponseWriter, r *http.Request, identity auth.Identity) (uploadRequest, bool) {
	if r.ContentLength > api.uploadMaxBytes {
		api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
			"max_bytes": api.uploadMaxBytes,
			"max_size":  humanize.IBytes(uint64(api.uploadMaxBytes)),
		})
		return uploadRequest{}, false
	}

	opts := ingest.Options{User: identity.Name()}
	var files []*multipart.FileHeader

	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	err := r.ParseMultipartForm(32 << 20)
	switch {
	case err == nil:
		for _, headers := range r.MultipartForm.File {
			files = append(files, headers...)
		}
		opts.Tags = splitTags(r.FormValue("tags"))
		if raw := strings.TrimSpace(r.FormValue("expirationdate")); raw != "" {
			day, err := domain.ParseDate(raw)
			if err != nil {
				api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_expirationdate", map[string]any{
					"expirationdate": raw,
					"format":         "YYYY-MM-DD",
				})
				return uploadRequest{}, false
			}
			opts.ExpirationDate = &day
		}
	case errors.Is(err, http.ErrNotMultipart):
		// Validation reports the missing files.
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeErrorWithDetails(w, r, http.StatusRequestEntityTooLarge, "upload_too_large", map[string]any{
				"max_bytes": api.uploadMaxBytes,
				"max_size":  humanize.IBytes(uint64(api.uploadMaxBytes)),
			})
			return uploadRequest{}, false
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return uploadRequest{}, false
	}

	if err := os.MkdirAll(api.scratchDir, 0o750); err != nil {
		api.logger.Error("create scratch dir", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return uploadRequest{}, false
	}
	dir, err := os.MkdirTemp(api.scratchDir, "upload-")
	if err != nil {
		api.logger.Error("create scratch dir", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return uploadRequest{}, false
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		path, err := saveUploadedFile(dir, fh)
		if err != nil {
			_ = os.RemoveAll(dir)
			api.logger.Error("store uploaded file", "filename", fh.Filename, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return uploadRequest{}, false
		}
		paths = append(paths, path)
	}
	return uploadRequest{dir: dir, paths: paths, opts: opts}, true
}

func saveUploadedFile(dir string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(dir, sanitizeFilename(fh.Filename))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	return path, dst.Close()
}

func (api *archiveAPI) uploadResponses(reports []*domain.ImportReport) []uploadResponse {
	out := make([]uploadResponse, 0, len(reports))
	for _, report := range reports {
		if report == nil {
			continue
		}
		out = append(out, api.uploadResponse(report))
	}
	return out
}

func (api *archiveAPI) uploadResponse(report *domain.ImportReport) uploadResponse {
	if report.Status() == domain.StatusFail {
		return uploadResponse{
			Status:   string(report.Status()),
			URL:      api.baseURL,
			Basename: report.Basename(),
			Errors:   report.Messages(),
		}
	}
	resp := uploadResponse{
		Status:   string(report.Status()),
		URL:      api.baseURL + report.URL(),
		Basename: report.Basename(),
	}
	if report.Status() == domain.StatusDuplicate {
		resp.Errors = report.Messages()
	}
	return resp
}

// uploadStatusCode is 400 when any bundle failed, 201 when at least one was
// stored and 200 when every bundle was a duplicate.
func uploadStatusCode(reports []*domain.ImportReport) int {
	created := false
	for _, report := range reports {
		switch report.Status() {
		case domain.StatusFail:
			return http.StatusBadRequest
		case domain.StatusSuccess:
			created = true
		}
	}
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func overallStatus(reports []*domain.ImportReport, err error) string {
	if err != nil {
		return string(domain.StatusFail)
	}
	switch uploadStatusCode(reports) {
	case http.StatusBadRequest:
		return string(domain.StatusFail)
	case http.StatusCreated:
		return string(domain.StatusSuccess)
	default:
		return string(domain.StatusDuplicate)
	}
}

type runView struct {
	ID                 string     `json:"id"`
	Filename           string     `json:"filename"`
	ContentSHA256      string     `json:"content_sha256"`
	Solver             string     `json:"solver,omitempty"`
	SolverVersion      string     `json:"solver_version,omitempty"`
	LPSolver           string     `json:"lp_solver,omitempty"`
	LPSolverVersion    string     `json:"lp_solver_version,omitempty"`
	TestSet            string     `json:"test_set,omitempty"`
	SettingsShortName  string     `json:"settings_short_name,omitempty"`
	RunEnvironment     string     `json:"run_environment,omitempty"`
	OS                 string     `json:"os,omitempty"`
	Architecture       string     `json:"architecture,omitempty"`
	TimeLimit          string     `json:"time_limit,omitempty"`
	Mode               string     `json:"mode,omitempty"`
	OptFlag            string     `json:"opt_flag,omitempty"`
	Seed               string     `json:"seed,omitempty"`
	Permutation        string     `json:"permutation,omitempty"`
	Tags               []string   `json:"tags"`
	RunInitiator       string     `json:"run_initiator,omitempty"`
	Uploader           string     `json:"uploader"`
	UploadTimestamp    time.Time  `json:"upload_timestamp"`
	IndexTimestamp     time.Time  `json:"index_timestamp"`
	ExpirationDate     string     `json:"expiration_date,omitempty"`
	GitHash            string     `json:"git_hash,omitempty"`
	GitHashDirty       bool       `json:"git_hash_dirty,omitempty"`
	GitCommitAuthor    string     `json:"git_commit_author,omitempty"`
	GitCommitTimestamp *time.Time `json:"git_commit_timestamp,omitempty"`
	Metadata           any        `json:"metadata,omitempty"`
	URL                string     `json:"url"`
}

type resultView struct {
	ID           string `json:"id"`
	InstanceID   int    `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	InstanceType string `json:"instance_type,omitempty"`
	Metrics      any    `json:"metrics"`
}

type runDetail struct {
	Run      runView              `json:"run"`
	Settings []domain.SettingPair `json:"settings"`
	Results  []resultView         `json:"results"`
}

func (api *archiveAPI) toRunView(run domain.Run) runView {
	v := runView{
		ID:                 run.ID,
		Filename:           run.Filename,
		ContentSHA256:      run.ContentSHA256,
		Solver:             run.Solver,
		SolverVersion:      run.SolverVersion,
		LPSolver:           run.LPSolver,
		LPSolverVersion:    run.LPSolverVersion,
		TestSet:            run.TestSet,
		SettingsShortName:  run.SettingsShortName,
		RunEnvironment:     run.RunEnvironment,
		OS:                 run.OS,
		Architecture:       run.Architecture,
		TimeLimit:          run.TimeLimit,
		Mode:               run.Mode,
		OptFlag:            run.OptFlag,
		Seed:               run.Seed,
		Permutation:        run.Permutation,
		Tags:               run.Tags,
		RunInitiator:       run.RunInitiator,
		Uploader:           run.UploaderName(),
		UploadTimestamp:    run.UploadTimestamp.UTC(),
		IndexTimestamp:     run.IndexTimestamp.UTC(),
		GitHash:            run.GitHash,
		GitHashDirty:       run.GitHashDirty,
		GitCommitAuthor:    run.GitCommitAuthor,
		GitCommitTimestamp: run.GitCommitTimestamp,
		URL:                api.baseURL + ingest.ResultURL(run.ID),
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if len(run.Metadata) > 0 {
		v.Metadata = run.Metadata
	}
	if run.ExpirationDate != nil {
		v.ExpirationDate = run.ExpirationDate.UTC().Format(domain.DateLayout)
	}
	return v
}

func (api *archiveAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := api.runs.ListRuns(r.Context(), repo.RunFilter{
		Uploader: strings.TrimSpace(q.Get("uploader")),
		Solver:   strings.TrimSpace(q.Get("solver")),
		TestSet:  strings.TrimSpace(q.Get("test_set")),
		Tag:      strings.TrimSpace(q.Get("tag")),
		Limit:    clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	})
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, api.toRunView(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *archiveAPI) handleGetResult(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookupRun(w, r)
	if !ok {
		return
	}
	settings, err := api.runs.GetSettings(r.Context(), run.SettingsID)
	if err != nil {
		api.writeRepoError(w, r, "get settings", err)
		return
	}
	defaults, err := api.runs.GetSettings(r.Context(), run.DefaultSettingsID)
	if err != nil {
		api.writeRepoError(w, r, "get default settings", err)
		return
	}
	results, err := api.runs.ListResults(r.Context(), run.ID)
	if err != nil {
		api.writeRepoError(w, r, "list results", err)
		return
	}

	detail := runDetail{
		Run:      api.toRunView(run),
		Settings: domain.PairSettings(settings.Params, defaults.Params),
		Results:  make([]resultView, 0, len(results)),
	}
	for _, res := range results {
		detail.Results = append(detail.Results, resultView{
			ID:           res.ID,
			InstanceID:   res.InstanceID,
			InstanceName: res.InstanceName,
			InstanceType: res.InstanceType,
			Metrics:      res.Metrics,
		})
	}
	api.writeJSON(w, http.StatusOK, detail)
}

func (api *archiveAPI) handleReimport(w http.ResponseWriter, r *http.Request) {
	run, identity, ok := api.lookupOwnedRun(w, r)
	if !ok {
		return
	}
	report, err := api.ingest.ReimportFromBackups(r.Context(), run.ID, ingest.Options{User: identity.Name()})
	switch {
	case errors.Is(err, ingest.ErrNoBackups):
		api.writeError(w, r, http.StatusConflict, "no_backups")
		return
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	case err != nil:
		api.writeIngestError(w, r, err)
		return
	}
	reports := []*domain.ImportReport{report}
	api.writeJSON(w, uploadStatusCode(reports), api.uploadResponses(reports))
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

func (api *archiveAPI) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	run, _, ok := api.lookupOwnedRun(w, r)
	if !ok {
		return
	}
	var req updateTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	tags := make([]string, 0, len(req.Tags))
	for _, tag := range req.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	err := api.runs.WithTx(r.Context(), func(tx repo.RunWriter) error {
		return tx.UpdateRunTags(r.Context(), run.ID, tags)
	})
	if err != nil {
		api.writeRepoError(w, r, "update tags", err)
		return
	}
	run.Tags = tags
	api.writeJSON(w, http.StatusOK, api.toRunView(run))
}

func (api *archiveAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	run, _, ok := api.lookupOwnedRun(w, r)
	if !ok {
		return
	}
	res, err := api.lifecycle.Delete(r.Context(), run.ID, lifecycle.TriggerAPI)
	if err != nil {
		api.writeRepoError(w, r, "delete run", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          res.RunID,
		"results":         res.Results,
		"settings":        res.Settings,
		"files":           res.Backups,
		"missing_objects": res.MissingObjects,
	})
}

func (api *archiveAPI) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileType, err := domain.ParseFileType(r.PathValue("type"))
	if err != nil || !fileType.Archived() {
		api.writeError(w, r, http.StatusBadRequest, "invalid_file_type")
		return
	}
	run, ok := api.lookupRun(w, r)
	if !ok {
		return
	}
	backup, err := api.runs.GetFileBackup(r.Context(), run.ID, fileType)
	if err != nil {
		api.writeRepoError(w, r, "get file backup", err)
		return
	}

	text := backup.Text
	if text == "" && backup.ObjectKey != "" {
		text, err = api.readObject(r.Context(), backup.ObjectKey)
		if err != nil {
			api.writeRepoError(w, r, "read archived file", err)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(backup.Filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (api *archiveAPI) readObject(ctx context.Context, key string) (string, error) {
	body, _, err := api.objects.Get(ctx, api.bucket, key)
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return "", repo.ErrNotFound
		}
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (api *archiveAPI) lookupRun(w http.ResponseWriter, r *http.Request) (domain.Run, bool) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return domain.Run{}, false
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		api.writeRepoError(w, r, "get run", err)
		return domain.Run{}, false
	}
	return run, true
}

// lookupOwnedRun loads the run and checks that the caller uploaded it or
// holds the admin role.
func (api *archiveAPI) lookupOwnedRun(w http.ResponseWriter, r *http.Request) (domain.Run, auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return domain.Run{}, auth.Identity{}, false
	}
	run, ok := api.lookupRun(w, r)
	if !ok {
		return domain.Run{}, auth.Identity{}, false
	}
	if !auth.CanModifyRun(identity, run.UploaderName()) {
		api.logger.Warn("run modification denied",
			"run_id", run.ID,
			"subject", identity.Subject,
			"uploader", run.UploaderName(),
		)
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return domain.Run{}, auth.Identity{}, false
	}
	return run, identity, true
}

func (api *archiveAPI) writeRepoError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.logger.Error(op, "error", err, "path", r.URL.Path)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *archiveAPI) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	if ingest.KindOf(err) == ingest.KindTimeout {
		api.logger.Warn("ingestion timed out", "error", err, "path", r.URL.Path)
		api.writeError(w, r, http.StatusGatewayTimeout, "timeout")
		return
	}
	api.logger.Error("ingestion failed", "error", err, "path", r.URL.Path)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *archiveAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *archiveAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *archiveAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "." || base == "/" {
		return "upload.bin"
	}
	return base
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
