package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:8080" || cfg.Database.Path != "data/queue.db" || cfg.Download.DataDir != "data/books" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Download.DeleteOnCancel {
		t.Fatalf("files must be kept on cancel by default")
	}
	if cfg.Engine.StartTimeout != 30*time.Second || cfg.Progress.Window != 500*time.Millisecond || cfg.Progress.SnapshotInterval != 5*time.Second {
		t.Fatalf("unexpected durations: %+v %+v", cfg.Engine, cfg.Progress)
	}
	if cfg.Storage.KeyPrefix != "audiobooks" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected storage/log defaults: %+v %+v", cfg.Storage, cfg.Log)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ABQ_DOWNLOAD_DELETEONCANCEL", "true")
	t.Setenv("ABQ_ENGINE_STARTTIMEOUT", "5s")
	t.Setenv("ABQ_PROGRESS_WINDOW", "250ms")
	t.Setenv("ABQ_STORAGE_BUCKET", "books")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Download.DeleteOnCancel || cfg.Engine.StartTimeout != 5*time.Second || cfg.Progress.Window != 250*time.Millisecond {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.Bucket != "books" {
		t.Fatalf("bucket = %q", cfg.Storage.Bucket)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := "# local overrides\nABQ_SERVER_ADDR=\"127.0.0.1:9999\"\nABQ_DATABASE_PATH=from-dotenv.db\nnot a pair\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("ABQ_DATABASE_PATH", "from-env.db")
	// loadDotEnv sets variables directly; make sure they are restored
	t.Setenv("ABQ_SERVER_ADDR", "")
	os.Unsetenv("ABQ_SERVER_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "from-env.db" {
		t.Fatalf("database path = %q", cfg.Database.Path)
	}
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ABQ_PROGRESS_SNAPSHOTINTERVAL", "0s")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "download:\n  datadir: /srv/books\nengine:\n  trackers:\n    - udp://tracker.example:1337/announce\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Download.DataDir != "/srv/books" {
		t.Fatalf("datadir = %q", cfg.Download.DataDir)
	}
	if len(cfg.Engine.Trackers) != 1 || cfg.Engine.Trackers[0] != "udp://tracker.example:1337/announce" {
		t.Fatalf("trackers = %v", cfg.Engine.Trackers)
	}
}
