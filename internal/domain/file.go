package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileType is the suffix of a bundle member without the leading dot.
type FileType string

const (
	FileOut  FileType = "out"
	FileErr  FileType = "err"
	FileSet  FileType = "set"
	FileMeta FileType = "meta"
	FileSolu FileType = "solu"
)

// RequiredFileTypes must be present exactly once in every bundle.
var RequiredFileTypes = []FileType{FileOut}

// OptionalFileTypes may be present at most once.
var OptionalFileTypes = []FileType{FileSolu, FileErr, FileSet, FileMeta}

func (t FileType) Suffix() string {
	return "." + string(t)
}

// Archived reports whether files of this type are kept as backups.
// Reference solution files are shared and never archived.
func (t FileType) Archived() bool {
	return t != FileSolu && t.Valid()
}

func (t FileType) Valid() bool {
	switch t {
	case FileOut, FileErr, FileSet, FileMeta, FileSolu:
		return true
	default:
		return false
	}
}

// ParseFileType accepts "out" as well as ".out".
func ParseFileType(raw string) (FileType, error) {
	t := FileType(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported file type %q", raw)
	}
	return t, nil
}

// FileTypeFromPath classifies a path by its final extension.
func FileTypeFromPath(path string) (FileType, bool) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", false
	}
	t := FileType(strings.TrimPrefix(ext, "."))
	return t, t.Valid()
}

// SupportedSuffixes lists every accepted suffix, required types first.
func SupportedSuffixes() []string {
	out := make([]string, 0, len(RequiredFileTypes)+len(OptionalFileTypes))
	for _, t := range RequiredFileTypes {
		out = append(out, t.Suffix())
	}
	for _, t := range OptionalFileTypes {
		out = append(out, t.Suffix())
	}
	return out
}

// FileBackup is the archived raw text of one bundle member.
type FileBackup struct {
	ID        string
	RunID     string
	FileType  FileType
	Filename  string
	SHA256    string
	SizeBytes int64
	ObjectKey string
	Text      string
	CreatedAt time.Time
}

func (f FileBackup) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("file id is required")
	}
	if strings.TrimSpace(f.RunID) == "" {
		return errors.New("run id is required")
	}
	if !f.FileType.Archived() {
		return fmt.Errorf("file type %q is not archived", f.FileType)
	}
	if strings.TrimSpace(f.Filename) == "" {
		return errors.New("filename is required")
	}
	return nil
}

// BackupObjectKey is the object store key of a run's archived file.
func BackupObjectKey(runID string, fileType FileType, filename string) string {
	return fmt.Sprintf("runs/%s/%s/%s", runID, fileType, filepath.Base(filename))
}
