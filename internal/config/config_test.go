package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Server.BaseURL = "https://chat.example.com"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q", loaded.Server.BaseURL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[server]\nbase_url = \"https://chat.example.com\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Typing.TTL.Duration != 5*time.Second {
		t.Errorf("typing TTL = %v, want 5s", cfg.Typing.TTL.Duration)
	}
	if cfg.Sync.SendAttempts != 5 {
		t.Errorf("send attempts = %d, want 5", cfg.Sync.SendAttempts)
	}
}

func TestDurationParsing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[sync]\nlist_poll_interval = \"45s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.ListPollInterval.Duration != 45*time.Second {
		t.Errorf("list poll interval = %v, want 45s", cfg.Sync.ListPollInterval.Duration)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
