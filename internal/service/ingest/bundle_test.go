package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestBundleFiles(t *testing.T) {
	paths := []string{"/s/a.out", "/s/a.err", "/s/b.out", "/s/b.set", "/s/ref.solu"}
	got := BundleFiles(paths)
	want := [][]string{
		{"/s/a.out", "/s/a.err", "/s/ref.solu"},
		{"/s/b.out", "/s/b.set", "/s/ref.solu"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bundles mismatch (-want +got):\n%s", diff)
	}

	got = BundleFiles([]string{"/s/a.err"})
	if diff := cmp.Diff([][]string{{"/s/a.err"}}, got); diff != "" {
		t.Fatalf("bundle without primary mismatch:\n%s", diff)
	}
}

func TestValidateAndOrganize(t *testing.T) {
	dir := t.TempDir()
	out := writeFile(t, dir, "run.out", "log")
	errFile := writeFile(t, dir, "run.err", "")
	txt := writeFile(t, dir, "notes.txt", "")

	report := domain.NewImportReport("run.out")
	bundle, err := ValidateAndOrganize([]string{out, errFile, txt}, report)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Primary() != out || bundle[domain.FileErr] != errFile || bundle[domain.FileSet] != "" {
		t.Fatalf("unexpected bundle %v", bundle)
	}
	if report.FailCount() != 1 {
		t.Fatalf("unsupported file should count one failure, got %d", report.FailCount())
	}
	msg := report.Messages()[domain.GeneralMessageKey][0]
	if !strings.HasPrefix(msg, "File type .txt is unsupported. Ignoring this file (notes).") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestValidateAndOrganize_Fatal(t *testing.T) {
	dir := t.TempDir()
	out := writeFile(t, dir, "run.out", "log")
	link := filepath.Join(dir, "link.out")
	if err := os.Symlink(out, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o700); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name  string
		paths []string
		msg   string
		want  error
	}{
		{"symlink", []string{link}, "Cannot parse results from a symlink. Please input an absolute path.", ErrUnreadablePath},
		{"directory", []string{out, sub}, "Cannot parse results from a directory. Please input a file path.", ErrUnreadablePath},
		{"missing primary file", []string{filepath.Join(dir, "gone.out")}, "Cannot parse results from a file that doesn't exist.", ErrMissingRequiredFile},
		{"no primary", []string{writeFile(t, dir, "only.err", "")}, "Missing required files: .out", ErrMissingRequiredFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := domain.NewImportReport("")
			_, err := ValidateAndOrganize(tc.paths, report)
			if KindOf(err) != KindValidation || !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want validation error wrapping %v", err, tc.want)
			}
			msgs := report.Messages()[domain.GeneralMessageKey]
			if len(msgs) == 0 || msgs[len(msgs)-1] != tc.msg {
				t.Fatalf("messages=%v, want %q", msgs, tc.msg)
			}
			if report.FailCount() == 0 {
				t.Fatalf("expected fail count > 0")
			}
		})
	}
}

func TestValidateAndOrganize_SkipsUnreadableOptionalFiles(t *testing.T) {
	dir := t.TempDir()
	out := writeFile(t, dir, "run.out", "log")
	locked := writeFile(t, dir, "run.set", "limits/time = 60")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone := filepath.Join(dir, "run.err")

	paths := []string{out, gone}
	lockedReadable := readable(locked)
	if !lockedReadable {
		paths = append(paths, locked)
	}
	report := domain.NewImportReport("run.out")
	bundle, err := ValidateAndOrganize(paths, report)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Primary() != out || bundle[domain.FileErr] != "" || bundle[domain.FileSet] != "" {
		t.Fatalf("unreadable files must be skipped, got %v", bundle)
	}
	msgs := report.Messages()[domain.GeneralMessageKey]
	if !containsMsg(msgs, "Cannot read run.err. Ignoring this file.") {
		t.Fatalf("messages=%v", msgs)
	}
	if !lockedReadable && !containsMsg(msgs, "Cannot read run.set. Ignoring this file.") {
		t.Fatalf("messages=%v", msgs)
	}
}

func TestFileTypeOf(t *testing.T) {
	if got, err := FileTypeOf("/s/a.set"); err != nil || got != domain.FileSet {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := FileTypeOf("/s/notes.txt"); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("err=%v, want ErrUnsupportedFileType", err)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.out", "abc")
	got, ok := HashFile(path)
	if !ok || got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("hash=%q ok=%v", got, ok)
	}
	if _, ok := HashFile(filepath.Join(dir, "missing")); ok {
		t.Fatalf("expected no hash for missing file")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no kind")
	}
	err := wrap(KindPersistence, "persist", context.DeadlineExceeded)
	if KindOf(err) != KindTimeout {
		t.Fatalf("deadline errors should be timeouts, got %q", KindOf(err))
	}
}
