// Package ingest turns bundles of solver log files into stored runs. A
// bundle is validated, hashed, checked for a previous upload, parsed by the
// analysis tool, normalized and committed as one document graph.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/analysis"
	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/platform/metrics"
	"github.com/animus-labs/rubberband/internal/repo"
	store "github.com/animus-labs/rubberband/internal/storage/objectstore"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrNoBackups = errors.New("run has no archived files")

type Config struct {
	Bucket         string
	ScratchDir     string
	GlobalSoluFile string
	ReadersFile    string
	ParseTimeout   time.Duration
	WriteTimeout   time.Duration
	Concurrency    int
	ProjectIDs     map[string]string
}

// Options apply to one ingestion call.
type Options struct {
	User           string
	Tags           []string
	ExpirationDate *time.Time
	// KeepFiles leaves the input files in place. By default they are removed
	// once the bundle is stored; failed and duplicate bundles always keep them.
	KeepFiles bool
}

type Service struct {
	store   repo.RunStore
	objects store.Store
	parser  analysis.Parser
	vcs     CommitLookup
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService wires the pipeline. vcs may be nil when no VCS is configured.
func NewService(runs repo.RunStore, objects store.Store, parser analysis.Parser, vcs CommitLookup, cfg Config, logger *slog.Logger) (*Service, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if parser == nil {
		return nil, errors.New("analysis parser is required")
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "rubberband")
	}
	if cfg.ParseTimeout <= 0 {
		cfg.ParseTimeout = 10 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ids := make(map[string]string, len(cfg.ProjectIDs))
	for solver, id := range cfg.ProjectIDs {
		ids[strings.ToLower(strings.TrimSpace(solver))] = strings.TrimSpace(id)
	}
	cfg.ProjectIDs = ids
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   runs,
		objects: objects,
		parser:  parser,
		vcs:     vcs,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// ResultURL is the location of a stored run.
func ResultURL(runID string) string {
	return "/result/" + runID
}

// Import ingests one bundle. The returned error is non-nil only for storage
// failures and timeouts; every other problem is recorded in the report.
func (s *Service) Import(ctx context.Context, paths []string, opts Options) (*domain.ImportReport, error) {
	return s.ingest(ctx, paths, opts, nil)
}

// ImportAll splits paths into bundles and ingests them concurrently.
// Reports are returned in bundle order. Files shared between bundles are
// removed only when no bundle using them was left unstored.
func (s *Service) ImportAll(ctx context.Context, paths []string, opts Options) ([]*domain.ImportReport, error) {
	bundles := BundleFiles(paths)
	reports := make([]*domain.ImportReport, len(bundles))
	bundleOpts := opts
	bundleOpts.KeepFiles = true

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, bundle := range bundles {
		g.Go(func() error {
			report, err := s.ingest(ctx, bundle, bundleOpts, nil)
			reports[i] = report
			return err
		})
	}
	err := g.Wait()
	if !opts.KeepFiles {
		s.removeScratch(storedOnly(paths, bundles, reports))
	}
	return reports, err
}

// storedOnly drops from paths every file that belongs to a bundle whose
// report is not a success.
func storedOnly(paths []string, bundles [][]string, reports []*domain.ImportReport) []string {
	keep := map[string]bool{}
	for i, bundle := range bundles {
		if reports[i] != nil && reports[i].Status() == domain.StatusSuccess {
			continue
		}
		for _, p := range bundle {
			keep[p] = true
		}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !keep[p] {
			out = append(out, p)
		}
	}
	return out
}

// Reimport parses a new bundle into an existing run, replacing its settings
// and results. Archived files are left untouched.
func (s *Service) Reimport(ctx context.Context, runID string, paths []string, opts Options) (*domain.ImportReport, error) {
	run, err := s.store.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, paths, opts, &run)
}

// ReimportFromBackups restores a run's archived files into the scratch
// directory and reimports them.
func (s *Service) ReimportFromBackups(ctx context.Context, runID string, opts Options) (*domain.ImportReport, error) {
	run, err := s.store.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	backups, err := s.store.ListFileBackups(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBackups, run.ID)
	}
	if err := os.MkdirAll(s.cfg.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.cfg.ScratchDir, "reimport-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	paths := make([]string, 0, len(backups))
	for _, b := range backups {
		text, err := s.readBackup(ctx, b)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, filepath.Base(b.Filename))
		if err := os.WriteFile(path, []byte(text), 0o640); err != nil {
			return nil, fmt.Errorf("restore %s: %w", b.Filename, err)
		}
		paths = append(paths, path)
	}
	opts.KeepFiles = true
	report, err := s.ingest(ctx, paths, opts, &run)
	if report != nil && report.Status() == domain.StatusSuccess {
		_ = os.RemoveAll(dir)
	} else {
		s.logger.Warn("reimport failed, restored files kept", "run_id", run.ID, "dir", dir)
	}
	return report, err
}

// readBackup prefers the object store copy and falls back to the text kept
// with the backup record.
func (s *Service) readBackup(ctx context.Context, b domain.FileBackup) (string, error) {
	if b.ObjectKey != "" {
		data, err := s.readObject(ctx, b.ObjectKey)
		if err == nil {
			return string(data), nil
		}
		s.logger.Warn("archived object unavailable, using stored text", "run_id", b.RunID, "object_key", b.ObjectKey, "error", err)
	}
	if b.Text == "" && b.SizeBytes > 0 {
		return "", fmt.Errorf("archived %s of run %s is unavailable", b.FileType, b.RunID)
	}
	return b.Text, nil
}

func (s *Service) readObject(ctx context.Context, key string) ([]byte, error) {
	body, _, err := s.objects.Get(ctx, s.cfg.Bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

type document struct {
	run      domain.Run
	settings domain.Settings
	defaults domain.Settings
	results  []domain.Result
}

func (s *Service) ingest(ctx context.Context, paths []string, opts Options, existing *domain.Run) (*domain.ImportReport, error) {
	mode := "import"
	if existing != nil {
		mode = "reimport"
	}
	basename := ""
	if len(paths) > 0 {
		basename = filepath.Base(paths[0])
	}
	report := domain.NewImportReport(basename)
	defer func() {
		report.Finish(domain.StatusFail, "", "")
		metrics.RecordIngest(mode, string(report.Status()))
		if !opts.KeepFiles && report.Status() == domain.StatusSuccess {
			s.removeScratch(paths)
		}
	}()
	s.logger.Info("bundle received", "mode", mode, "files", len(paths), "user", opts.User)

	bundle, err := ValidateAndOrganize(paths, report)
	if err != nil {
		s.logger.Warn("bundle rejected", "basename", basename, "error", err)
		return report, nil
	}
	primary := bundle.Primary()
	fileID := filepath.Base(primary)

	started := time.Now()
	digest, ok := HashFile(primary)
	metrics.ObserveStage("hash", started)
	if !ok {
		report.Failure(fileID, fmt.Sprintf("Cannot read results from %s.", fileID))
		return report, nil
	}

	if existing == nil {
		found, err := s.store.FindRunBySHA256(ctx, digest)
		switch {
		case err == nil:
			s.reportDuplicate(report, fileID, found)
			return report, nil
		case !errors.Is(err, repo.ErrNotFound):
			report.Failure(fileID, "Some kind of database error.")
			err = wrap(KindPersistence, "duplicate lookup", err)
			s.logger.Error("duplicate lookup failed", "file", fileID, "error", err)
			return report, err
		}
	}

	parsed, err := s.parse(ctx, bundle, report, fileID)
	if err != nil {
		s.logger.Warn("analysis failed", "file", fileID, "error", err)
		if KindOf(err) == KindTimeout {
			return report, err
		}
		return report, nil
	}

	runID := s.newID()
	if existing != nil {
		runID = existing.ID
	}
	doc := s.normalize(ctx, runID, digest, bundle, parsed, opts, report, fileID)

	if existing != nil {
		return report, s.replace(ctx, *existing, doc, report, fileID)
	}
	return report, s.create(ctx, doc, bundle, report, fileID)
}

func (s *Service) reportDuplicate(report *domain.ImportReport, fileID string, found domain.Run) {
	report.LogMessage(fileID, fmt.Sprintf("File was previously uploaded by %s on %s. Upload aborted.",
		found.UploaderName(), found.IndexTimestamp.UTC().Format(domain.DateTimeLayout)))
	report.Finish(domain.StatusDuplicate, found.ID, ResultURL(found.ID))
}

func (s *Service) parse(ctx context.Context, bundle Bundle, report *domain.ImportReport, fileID string) (analysis.TestRun, error) {
	in := analysis.Input{
		Out:     bundle[domain.FileOut],
		Err:     bundle[domain.FileErr],
		Set:     bundle[domain.FileSet],
		Meta:    bundle[domain.FileMeta],
		Solu:    bundle[domain.FileSolu],
		Readers: s.cfg.ReadersFile,
	}
	if in.Solu == "" {
		if s.cfg.GlobalSoluFile != "" && fileExists(s.cfg.GlobalSoluFile) {
			in.Solu = s.cfg.GlobalSoluFile
			report.LogMessage(fileID, "Adding SoluFile.")
		} else {
			report.LogMessage(fileID, "No solu file found.")
		}
	} else {
		report.LogMessage(fileID, "Adding SoluFile.")
	}

	parseCtx, cancel := context.WithTimeout(ctx, s.cfg.ParseTimeout)
	defer cancel()
	started := time.Now()
	run, err := s.parser.Parse(parseCtx, in)
	metrics.ObserveStage("parse", started)
	if err == nil {
		return run, nil
	}

	var runCount *analysis.RunCountError
	switch {
	case errors.As(err, &runCount):
		report.Failure(fileID, runCount.Error())
	case errors.Is(err, context.DeadlineExceeded):
		report.Failure(fileID, fmt.Sprintf("Analysis timed out after %s. Aborting...", s.cfg.ParseTimeout))
	default:
		report.Failure(fileID, "Some kind of analysis error. Aborting...")
	}
	return analysis.TestRun{}, wrap(KindParse, "parse", err)
}

func (s *Service) normalize(ctx context.Context, runID, digest string, bundle Bundle, tr analysis.TestRun, opts Options, report *domain.ImportReport, fileID string) document {
	now := s.now().UTC()
	instances := tr.Instances()
	names := tr.Columns["ProblemName"]

	ids := instanceIDs(instances)
	results := make([]domain.Result, 0, len(instances))
	resultIDs := make([]string, 0, len(instances))
	for pos, inst := range instances {
		instanceID := ids[pos]
		m := domain.Metadata{}
		for col, values := range tr.Columns {
			if v, ok := values[inst]; ok {
				m[NormalizeMetricKey(col)] = sanitizeValue(v)
			}
		}
		for _, key := range datetimeKeys {
			if formatted, ok := FormatEpoch(m[key]); ok {
				m[key] = formatted
			}
		}
		m["Iterations"] = TotalIterations(m)
		name := stringify(names[inst])
		if name == "" {
			name = inst
		}
		result := domain.Result{
			ID:           s.newID(),
			RunID:        runID,
			InstanceID:   instanceID,
			InstanceName: name,
			InstanceType: DetermineType(m),
			Metrics:      m,
		}
		results = append(results, result)
		resultIDs = append(resultIDs, result.ID)
	}

	run := domain.Run{
		ID:                runID,
		ContentSHA256:     digest,
		Filename:          fileID,
		Tags:              append([]string{}, opts.Tags...),
		UploadTimestamp:   now,
		IndexTimestamp:    now,
		ExpirationDate:    opts.ExpirationDate,
		SettingsID:        s.newID(),
		DefaultSettingsID: s.newID(),
		ResultIDs:         resultIDs,
	}
	for _, field := range runColumnKeys {
		if col, ok := tr.Columns[field.column]; ok {
			field.set(&run, stringify(MostFrequentValue(col, instances)))
		}
	}
	collapsed := DropDifferent(tr.Metadata, tr.Columns)
	for _, field := range metadataKeys {
		if v, ok := collapsed[field.key]; ok {
			field.set(&run, stringify(v))
		}
	}
	if bundle[domain.FileMeta] == "" {
		FilenameInfo(bundle.Primary(), &run)
	}
	run.Metadata = domain.Metadata{}
	for k, v := range collapsed {
		run.Metadata[k] = sanitizeValue(v)
	}
	run.RunInitiator = s.runInitiator(ctx, opts.User)
	run.Uploader = run.RunInitiator
	s.enrichCommit(ctx, &run, report, fileID)

	return document{
		run: run,
		settings: domain.Settings{
			ID:     run.SettingsID,
			RunID:  runID,
			Kind:   domain.SettingsEffective,
			Params: sanitizeParams(tr.Settings),
		},
		defaults: domain.Settings{
			ID:     run.DefaultSettingsID,
			RunID:  runID,
			Kind:   domain.SettingsDefault,
			Params: sanitizeParams(tr.DefaultSettings),
		},
		results: results,
	}
}

// instanceIDs maps instance keys to numeric ids. Keys are used as is when
// all of them are integers, otherwise every instance gets its position.
func instanceIDs(instances []string) []int {
	ids := make([]int, len(instances))
	for pos, inst := range instances {
		id, err := strconv.Atoi(inst)
		if err != nil {
			for i := range ids {
				ids[i] = i
			}
			return ids
		}
		ids[pos] = id
	}
	return ids
}

func (s *Service) create(ctx context.Context, doc document, bundle Bundle, report *domain.ImportReport, fileID string) error {
	backups, err := s.prepareBackups(doc.run.ID, bundle)
	if err != nil {
		report.Failure(fileID, "Couldn't read the bundle files for backup. Aborting...")
		return wrap(KindPersistence, "prepare backups", err)
	}
	uploaded, err := s.uploadBackups(ctx, backups)
	if err != nil {
		s.removeObjects(ctx, uploaded)
		report.Failure(fileID, "Couldn't archive the bundle files. Aborting...")
		err = wrap(KindPersistence, "archive files", err)
		s.logger.Error("archive failed", "file", fileID, "error", err)
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	started := time.Now()
	err = s.store.WithTx(writeCtx, func(w repo.RunWriter) error {
		if err := w.CreateRun(writeCtx, doc.run); err != nil {
			return err
		}
		if err := w.CreateSettings(writeCtx, doc.settings); err != nil {
			return err
		}
		if err := w.CreateSettings(writeCtx, doc.defaults); err != nil {
			return err
		}
		if err := w.CreateResults(writeCtx, doc.results); err != nil {
			return err
		}
		return w.CreateFileBackups(writeCtx, backups)
	})
	metrics.ObserveStage("persist", started)
	if err != nil {
		s.removeObjects(ctx, uploaded)
		if errors.Is(err, repo.ErrDuplicateContent) {
			if found, lookupErr := s.store.FindRunBySHA256(ctx, doc.run.ContentSHA256); lookupErr == nil {
				s.reportDuplicate(report, fileID, found)
				return nil
			}
		}
		report.Failure(fileID, "Some kind of database error.")
		err = wrap(KindPersistence, "persist run", err)
		s.logger.Error("persist failed", "file", fileID, "run_id", doc.run.ID, "error", err)
		return err
	}

	s.logger.Info("run imported", "run_id", doc.run.ID, "file", fileID, "results", len(doc.results))
	report.LogMessage(fileID, fmt.Sprintf("Data for file %s was successfully imported and archived", fileID))
	for _, b := range backups {
		report.LogMessage(fileID, fmt.Sprintf("Backing up %s (%s)", b.Filename, humanize.Bytes(uint64(b.SizeBytes))))
	}
	report.LogMessage(fileID, fmt.Sprintf("%s file bundle backed up.", fileID))
	report.Finish(domain.StatusSuccess, doc.run.ID, ResultURL(doc.run.ID))
	report.LogMessage(fileID, "Finished!")
	return nil
}

func (s *Service) replace(ctx context.Context, existing domain.Run, doc document, report *domain.ImportReport, fileID string) error {
	next := existing.ReplaceWith(doc.run)
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	started := time.Now()
	err := s.store.WithTx(writeCtx, func(w repo.RunWriter) error {
		if _, err := w.DeleteResults(writeCtx, existing.ID); err != nil {
			return err
		}
		if _, err := w.DeleteSettings(writeCtx, existing.ID); err != nil {
			return err
		}
		if err := w.UpdateRun(writeCtx, next); err != nil {
			return err
		}
		if err := w.CreateSettings(writeCtx, doc.settings); err != nil {
			return err
		}
		if err := w.CreateSettings(writeCtx, doc.defaults); err != nil {
			return err
		}
		return w.CreateResults(writeCtx, doc.results)
	})
	metrics.ObserveStage("persist", started)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateContent) {
			report.Failure(fileID, "The file content belongs to another run. Reimport aborted.")
			return nil
		}
		report.Failure(fileID, "Some kind of database error.")
		err = wrap(KindPersistence, "reimport run", err)
		s.logger.Error("reimport failed", "file", fileID, "run_id", existing.ID, "error", err)
		return err
	}

	s.logger.Info("run reimported", "run_id", existing.ID, "file", fileID, "results", len(doc.results))
	report.LogMessage(fileID, fmt.Sprintf("Data for file %s was successfully imported and archived", fileID))
	report.Finish(domain.StatusSuccess, existing.ID, ResultURL(existing.ID))
	report.LogMessage(fileID, "Finished!")
	return nil
}

func (s *Service) prepareBackups(runID string, bundle Bundle) ([]domain.FileBackup, error) {
	now := s.now().UTC()
	var backups []domain.FileBackup
	for _, path := range bundle.Paths() {
		fileType, ok := domain.FileTypeFromPath(path)
		if !ok || !fileType.Archived() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		name := filepath.Base(path)
		backups = append(backups, domain.FileBackup{
			ID:        s.newID(),
			RunID:     runID,
			FileType:  fileType,
			Filename:  name,
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(data)),
			ObjectKey: domain.BackupObjectKey(runID, fileType, name),
			Text:      string(data),
			CreatedAt: now,
		})
	}
	return backups, nil
}

func (s *Service) uploadBackups(ctx context.Context, backups []domain.FileBackup) ([]string, error) {
	uploaded := make([]string, 0, len(backups))
	for _, b := range backups {
		err := s.objects.Put(ctx, s.cfg.Bucket, b.ObjectKey, strings.NewReader(b.Text), b.SizeBytes, "text/plain; charset=utf-8")
		if err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", b.ObjectKey, err)
		}
		uploaded = append(uploaded, b.ObjectKey)
	}
	return uploaded, nil
}

// removeObjects undoes uploads of a bundle whose documents were not stored.
func (s *Service) removeObjects(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	for _, key := range keys {
		if err := s.objects.Delete(cleanupCtx, s.cfg.Bucket, key); err != nil && !errors.Is(err, store.ErrObjectNotFound) {
			s.logger.Warn("remove archived object failed", "object_key", key, "error", err)
		}
	}
}

// removeScratch deletes the input files of stored bundles. The global reference solution
// file is never removed.
func (s *Service) removeScratch(paths []string) {
	for _, p := range paths {
		if p == "" || (s.cfg.GlobalSoluFile != "" && filepath.Clean(p) == filepath.Clean(s.cfg.GlobalSoluFile)) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove scratch file failed", "path", p, "error", err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
