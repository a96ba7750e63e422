package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("", viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != Default().ListenAddress {
		t.Fatalf("got %q", cfg.ListenAddress)
	}
	if cfg.HistorySize != Default().HistorySize {
		t.Fatalf("got %d", cfg.HistorySize)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"), viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != Default().DataDir {
		t.Fatalf("got %q", cfg.DataDir)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicant.yaml")

	content := []byte("listen_address: 10.0.0.1:1982\ndata_dir: /data\n")
	if err := Save(path, content); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q want %q", got, content)
	}

	cfg, err := Load(path, viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "10.0.0.1:1982" || cfg.DataDir != "/data" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicant.yaml")
	if err := Save(path, []byte("data_dir: /data\n")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".atomic.tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}
}

func TestObjectPathJoinsDataDir(t *testing.T) {
	cfg := Config{DataDir: "/data"}
	if got := cfg.ObjectPath("counter"); got != filepath.Join("/data", "objects", "counter") {
		t.Fatalf("got %q", got)
	}
}
