package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/defaults"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("expected data directory: %v", err)
	}
	if !info.IsDir() {
		t.Error("data is not a directory")
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, defaults.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if !strings.Contains(buf.String(), "✓ "+cfgPath) {
		t.Errorf("output missing created marker:\n%s", buf.String())
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	sentinel := []byte("# sentinel, do not overwrite\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Error("output missing 'exists, skipping' for pre-existing config")
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: got %q", got)
	}
}

func TestRunInit_ConfigLoads(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if !cfg.Deploy.Production() {
		t.Error("example config should deploy as production")
	}
	if cfg.Agent.Mode != config.ModeApprovalRequired {
		t.Errorf("agent mode = %q, want %q", cfg.Agent.Mode, config.ModeApprovalRequired)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("openai key = %q, want expanded from environment", cfg.OpenAI.APIKey)
	}
	if !cfg.RetryOnError() {
		t.Error("example config should allow retry after error")
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)

	// setup prepares dir and returns the path to write.
	tests := map[string]struct {
		setup   func(t *testing.T, dir string) string
		mode    os.FileMode
		want    string // file content afterwards
		output  string
		wantErr string
	}{
		"private config": {
			setup:  func(_ *testing.T, dir string) string { return filepath.Join(dir, "config.yaml") },
			mode:   0o600,
			want:   "listen: {}\n",
			output: "✓ ",
		},
		"world readable": {
			setup:  func(_ *testing.T, dir string) string { return filepath.Join(dir, "notes.txt") },
			mode:   0o644,
			want:   "listen: {}\n",
			output: "✓ ",
		},
		"keeps operator edits": {
			setup: func(t *testing.T, dir string) string {
				p := filepath.Join(dir, "config.yaml")
				if err := os.WriteFile(p, []byte("log_level: debug\n"), 0o600); err != nil {
					t.Fatal(err)
				}
				return p
			},
			mode:   0o600,
			want:   "log_level: debug\n",
			output: "(exists, skipping)",
		},
		"parent is a file": {
			setup: func(t *testing.T, dir string) string {
				blocker := filepath.Join(dir, "data")
				if err := os.WriteFile(blocker, nil, 0o644); err != nil {
					t.Fatal(err)
				}
				return filepath.Join(blocker, "audit.db")
			},
			mode:    0o600,
			wantErr: "create ",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			path := tt.setup(t, t.TempDir())

			var out bytes.Buffer
			err := writeIfMissing(&out, path, []byte("listen: {}\n"), tt.mode)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("writeIfMissing: %v", err)
			}
			if !strings.Contains(out.String(), tt.output) {
				t.Errorf("output = %q, want %q", out.String(), tt.output)
			}

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if perm := info.Mode().Perm(); perm != tt.mode {
				t.Errorf("mode = %o, want %o", perm, tt.mode)
			}
		})
	}
}
