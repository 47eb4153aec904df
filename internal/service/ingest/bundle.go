package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/rubberband/internal/domain"
)

// Bundle maps each file type of one run to its path. Absent optional types
// map to "".
type Bundle map[domain.FileType]string

func (b Bundle) Primary() string {
	return b[domain.FileOut]
}

// Paths returns the present files, primary first.
func (b Bundle) Paths() []string {
	out := make([]string, 0, len(b))
	for _, t := range append(append([]domain.FileType{}, domain.RequiredFileTypes...), domain.OptionalFileTypes...) {
		if p := b[t]; p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BundleFiles splits an upload into bundles by the basename of each primary
// file. Every reference solution file joins every bundle. An upload without
// a primary file yields a single bundle holding all paths so that validation
// reports what is missing.
func BundleFiles(paths []string) [][]string {
	var bundles [][]string
	for _, p := range paths {
		if filepath.Ext(p) != domain.FileOut.Suffix() {
			continue
		}
		stem := strings.TrimSuffix(p, filepath.Ext(p))
		var bundle []string
		for _, q := range paths {
			if strings.TrimSuffix(q, filepath.Ext(q)) == stem {
				bundle = append(bundle, q)
			}
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) == 0 {
		return [][]string{append([]string(nil), paths...)}
	}
	for _, p := range paths {
		if filepath.Ext(p) != domain.FileSolu.Suffix() {
			continue
		}
		for i := range bundles {
			if !contains(bundles[i], p) {
				bundles[i] = append(bundles[i], p)
			}
		}
	}
	return bundles
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// FileTypeOf classifies path by its suffix. The error wraps
// ErrUnsupportedFileType.
func FileTypeOf(path string) (domain.FileType, error) {
	fileType, ok := domain.FileTypeFromPath(path)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, filepath.Ext(path))
	}
	return fileType, nil
}

// readable reports whether path can be opened for reading.
func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// ValidateAndOrganize classifies paths by suffix. Unsupported suffixes and
// unreadable optional files are reported and skipped. Symlinks, directories
// and a missing or unreadable primary file fail the bundle with an error
// wrapping ErrUnreadablePath or ErrMissingRequiredFile.
func ValidateAndOrganize(paths []string, report *domain.ImportReport) (Bundle, error) {
	bundle := Bundle{}
	for _, t := range domain.OptionalFileTypes {
		bundle[t] = ""
	}
	fatal := func(cause error, msg string) (Bundle, error) {
		report.Failure(domain.GeneralMessageKey, msg)
		return nil, &Error{Kind: KindValidation, Op: "validate", Err: fmt.Errorf("%w: %s", cause, msg)}
	}

	for _, p := range paths {
		info, err := os.Lstat(p)
		if err == nil && info.Mode()&fs.ModeSymlink != 0 {
			return fatal(ErrUnreadablePath, "Cannot parse results from a symlink. Please input an absolute path.")
		}
		if err == nil && info.IsDir() {
			return fatal(ErrUnreadablePath, "Cannot parse results from a directory. Please input a file path.")
		}

		fileType, typeErr := FileTypeOf(p)
		if typeErr != nil {
			ext := filepath.Ext(p)
			report.Failure(domain.GeneralMessageKey, fmt.Sprintf(
				"File type %s is unsupported. Ignoring this file (%s). Supported files: %s",
				ext, strings.TrimSuffix(filepath.Base(p), ext), strings.Join(domain.SupportedSuffixes(), ", ")))
			continue
		}

		if fileType == domain.FileOut {
			if err != nil {
				return fatal(ErrMissingRequiredFile, "Cannot parse results from a file that doesn't exist.")
			}
			if bundle[domain.FileOut] != "" && bundle[domain.FileOut] != p {
				return fatal(ErrUnreadablePath, fmt.Sprintf("Multiple primary files in one bundle: %s, %s",
					filepath.Base(bundle[domain.FileOut]), filepath.Base(p)))
			}
			if !readable(p) {
				return fatal(ErrUnreadablePath, fmt.Sprintf("Cannot read results from %s.", filepath.Base(p)))
			}
			bundle[domain.FileOut] = p
			continue
		}
		if err != nil || !readable(p) {
			report.Failure(domain.GeneralMessageKey, fmt.Sprintf("Cannot read %s. Ignoring this file.", filepath.Base(p)))
			continue
		}
		bundle[fileType] = p
	}

	var missing []string
	for _, t := range domain.RequiredFileTypes {
		if bundle[t] == "" {
			missing = append(missing, t.Suffix())
		}
	}
	if len(missing) > 0 {
		return fatal(ErrMissingRequiredFile, "Missing required files: "+strings.Join(missing, ", "))
	}
	return bundle, nil
}
