package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Run is one archived bundle. ContentSHA256 is the digest of the primary
// output file and is unique among stored runs.
type Run struct {
	ID                string
	ContentSHA256     string
	Filename          string
	Solver            string
	SolverVersion     string
	LPSolver          string
	LPSolverVersion   string
	LPSolverGitHash   string
	RunEnvironment    string
	OS                string
	Architecture      string
	TimeLimit         string
	TimeFactor        string
	Mode              string
	OptFlag           string
	TestSet           string
	SettingsShortName string
	Seed              string
	Permutation       string
	Tags              []string
	RunInitiator      string
	Uploader          string
	UploadTimestamp   time.Time
	IndexTimestamp    time.Time
	ExpirationDate    *time.Time

	GitHash            string
	GitHashDirty       bool
	GitCommitID        string
	GitCommitAuthor    string
	GitCommitTimestamp *time.Time

	Metadata          Metadata
	SettingsID        string
	DefaultSettingsID string
	ResultIDs         []string
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if !sha256Hex.MatchString(r.ContentSHA256) {
		return errors.New("content sha256 must be 64 lowercase hex characters")
	}
	if strings.TrimSpace(r.Filename) == "" {
		return errors.New("filename is required")
	}
	if strings.TrimSpace(r.SettingsID) == "" {
		return errors.New("settings id is required")
	}
	if strings.TrimSpace(r.DefaultSettingsID) == "" {
		return errors.New("default settings id is required")
	}
	if r.SettingsID == r.DefaultSettingsID {
		return errors.New("settings and default settings must be distinct snapshots")
	}
	if r.UploadTimestamp.IsZero() || r.IndexTimestamp.IsZero() {
		return errors.New("upload and index timestamps are required")
	}
	return nil
}

// UploaderName returns who uploaded the run, falling back to the initiator
// for records written before the uploader was tracked.
func (r Run) UploaderName() string {
	if r.Uploader != "" {
		return r.Uploader
	}
	return r.RunInitiator
}

// ExpiredOn reports whether the run is due for removal on the given day.
func (r Run) ExpiredOn(day time.Time) bool {
	if r.ExpirationDate == nil {
		return false
	}
	return !TruncateDay(*r.ExpirationDate).After(TruncateDay(day))
}

// ReplaceWith returns next carrying r's identity and first-ingestion fields.
// Reimport never changes the uploader, upload time, tags or expiration.
func (r Run) ReplaceWith(next Run) Run {
	next.ID = r.ID
	next.Uploader = r.Uploader
	if next.Uploader == "" {
		next.Uploader = r.RunInitiator
	}
	next.UploadTimestamp = r.UploadTimestamp
	if next.UploadTimestamp.IsZero() {
		next.UploadTimestamp = r.IndexTimestamp
	}
	next.Tags = append([]string(nil), r.Tags...)
	next.ExpirationDate = r.ExpirationDate
	return next
}

// TruncateDay drops the clock part of t in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05"
)
