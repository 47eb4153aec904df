package analysis

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleReport = `{"testruns":[{
  "data":{"ProblemName":{"0":"p1","1":"p2","10":"p3"},"Solver":{"0":"SCIP","1":"SCIP","10":"SCIP"}},
  "metadata":{"TstName":"short"},
  "settings":{"limits/time":3600,"separating/flowcover/maxslackroot":"inf"},
  "default_settings":{"limits/time":"1e+20"}
}]}`

func TestDecode(t *testing.T) {
	run, err := Decode(strings.NewReader(sampleReport))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"0", "1", "10"}, run.Instances()); diff != "" {
		t.Fatalf("instances mismatch (-want +got):\n%s", diff)
	}
	if v := run.Settings["separating/flowcover/maxslackroot"].(float64); !math.IsInf(v, 1) {
		t.Fatalf("expected +Inf, got %v", v)
	}
	if run.DefaultSettings["limits/time"] != "1e+20" {
		t.Fatalf("unexpected default %v", run.DefaultSettings["limits/time"])
	}
	if run.Metadata["TstName"] != "short" {
		t.Fatalf("unexpected metadata %v", run.Metadata)
	}
}

func TestDecode_RunCount(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"testruns":[]}`))
	var rc *RunCountError
	if !errors.As(err, &rc) || rc.Got != 0 {
		t.Fatalf("err=%v, want RunCountError{0}", err)
	}
	if rc.Error() != "Unexpected number of testruns. Expected 1, got: 0" {
		t.Fatalf("unexpected message %q", rc.Error())
	}
}

func TestCommandArgs(t *testing.T) {
	readers := filepath.Join(t.TempDir(), "readers.xml")
	if err := os.WriteFile(readers, []byte("<readers/>"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := commandArgs(Input{Out: "a.out", Solu: "x.solu", Readers: readers})
	want := []string{"--out", "a.out", "--solu", "x.solu", "--readers", readers}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	got = commandArgs(Input{Out: "a.out", Readers: filepath.Join(t.TempDir(), "missing")})
	if diff := cmp.Diff([]string{"--out", "a.out"}, got); diff != "" {
		t.Fatalf("missing readers file should be skipped:\n%s", diff)
	}
}

func TestCommandParser_Parse(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	report := filepath.Join(t.TempDir(), "report.json")
	if err := os.WriteFile(report, []byte(sampleReport), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := NewCommandParser([]string{"/bin/sh", "-c", "cat " + report, "analyze"}, time.Minute, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	run, err := p.Parse(context.Background(), Input{Out: "a.out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(run.Instances()) != 3 {
		t.Fatalf("instances=%v", run.Instances())
	}
}

func TestCommandParser_Timeout(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p, err := NewCommandParser([]string{"/bin/sh", "-c", "sleep 5", "analyze"}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = p.Parse(context.Background(), Input{Out: "a.out"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestCommandParser_Failure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p, err := NewCommandParser([]string{"/bin/sh", "-c", "echo broken >&2; exit 3", "analyze"}, time.Minute, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = p.Parse(context.Background(), Input{Out: "a.out"})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err=%v, want stderr in message", err)
	}
}

func TestNewCommandParser_RequiresCommand(t *testing.T) {
	if _, err := NewCommandParser(nil, 0, nil); err == nil {
		t.Fatalf("expected error")
	}
}
