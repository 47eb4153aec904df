package domain

import (
	"encoding/json"
	"sync"
)

type ImportStatus string

const (
	StatusSuccess   ImportStatus = "success"
	StatusDuplicate ImportStatus = "duplicate"
	StatusFail      ImportStatus = "fail"
)

// GeneralMessageKey collects messages logged before a primary file is known.
const GeneralMessageKey = "_"

// ImportReport tracks the outcome of one ingestion call. Messages are
// append-only per file, the fail counter only grows and the status is set
// once by Finish.
type ImportReport struct {
	mu       sync.Mutex
	basename string
	status   ImportStatus
	url      string
	runID    string
	fail     int
	messages map[string][]string
}

func NewImportReport(basename string) *ImportReport {
	return &ImportReport{
		basename: basename,
		messages: map[string][]string{},
	}
}

func (r *ImportReport) LogMessage(fileID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fileID == "" {
		fileID = GeneralMessageKey
	}
	r.messages[fileID] = append(r.messages[fileID], msg)
}

// Failure logs msg and counts it as a failure.
func (r *ImportReport) Failure(fileID, msg string) {
	r.LogMessage(fileID, msg)
	r.mu.Lock()
	r.fail++
	r.mu.Unlock()
}

// Finish sets the terminal status. Only the first call has an effect.
func (r *ImportReport) Finish(status ImportStatus, runID, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "" {
		return false
	}
	r.status = status
	r.runID = runID
	r.url = url
	return true
}

func (r *ImportReport) Status() ImportStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *ImportReport) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

func (r *ImportReport) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

func (r *ImportReport) Basename() string {
	return r.basename
}

func (r *ImportReport) FailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

// Messages returns a copy of the per-file messages.
func (r *ImportReport) Messages() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.messages))
	for k, v := range r.messages {
		out[k] = append([]string(nil), v...)
	}
	return out
}

type reportJSON struct {
	Status   ImportStatus        `json:"status"`
	URL      string              `json:"url,omitempty"`
	RunID    string              `json:"run_id,omitempty"`
	Basename string              `json:"basename,omitempty"`
	Fail     int                 `json:"fail"`
	Messages map[string][]string `json:"messages,omitempty"`
}

func (r *ImportReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		Status:   r.Status(),
		URL:      r.URL(),
		RunID:    r.RunID(),
		Basename: r.basename,
		Fail:     r.FailCount(),
		Messages: r.Messages(),
	})
}
