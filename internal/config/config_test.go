package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RUBBERBAND_CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SweepSchedule != "@daily" || cfg.IngestConcurrency != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.GitLab.Enabled() {
		t.Fatalf("gitlab should be disabled by default")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rubberband.yaml")
	body := `
scratch_dir: /srv/scratch
solu_file: /srv/solu/allpublic.solu
parse_timeout: 2m
max_upload_size: 64MiB
gitlab:
  url: https://git.example.com
  token: file-token
  project_ids:
    SCIP: "1"
    soplex: "2"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("RUBBERBAND_CONFIG_FILE", path)
	t.Setenv("RUBBERBAND_GITLAB_TOKEN", "env-token")
	t.Setenv("RUBBERBAND_GITLAB_PROJECT_IDS", "papilo=3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ScratchDir != "/srv/scratch" || cfg.ParseTimeout != 2*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MaxUploadBytes != 64<<20 {
		t.Fatalf("max upload=%d", cfg.MaxUploadBytes)
	}
	if cfg.GitLab.Token != "env-token" {
		t.Fatalf("env should override file token, got %q", cfg.GitLab.Token)
	}
	want := map[string]string{"scip": "1", "soplex": "2", "papilo": "3"}
	if diff := cmp.Diff(want, cfg.ProjectIDs); diff != "" {
		t.Fatalf("project ids mismatch (-want +got):\n%s", diff)
	}
	if id, ok := cfg.ProjectID("SCIP"); !ok || id != "1" {
		t.Fatalf("ProjectID(SCIP)=%q,%v", id, ok)
	}
}

func TestValidate_BadSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.SweepSchedule = "not a schedule"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}
