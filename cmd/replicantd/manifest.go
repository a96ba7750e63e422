package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/internal/config"
)

// manifestEntry names one object and its library so the object can be
// restored after a restart; its snapshot and history are kept in
// separate files under the object's directory, not in the entry. The
// manifest itself is the daemon's only persisted record of which
// objects exist — the replicated log (external, §1) is the source of
// truth for what each object's state actually is; this is purely a
// local bootstrap hint.
type manifestEntry struct {
	Name        string `json:"name"`
	LibraryPath string `json:"library_path"`
}

func manifestPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "manifest.json")
}

func loadManifest(cfg config.Config) ([]manifestEntry, error) {
	data, err := os.ReadFile(manifestPath(cfg))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "unmarshal manifest")
	}
	return entries, nil
}

func saveManifest(cfg config.Config, entries []manifestEntry) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "mkdir data dir")
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	return config.Save(manifestPath(cfg), data)
}

func addManifestEntry(cfg config.Config, name, libraryPath string) error {
	entries, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return nil
		}
	}
	entries = append(entries, manifestEntry{Name: name, LibraryPath: libraryPath})
	return saveManifest(cfg, entries)
}

func removeManifestEntry(cfg config.Config, name string) error {
	entries, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return saveManifest(cfg, out)
}

func snapshotPath(cfg config.Config, name string) string {
	return filepath.Join(cfg.ObjectPath(name), "snapshot")
}

func historyPath(cfg config.Config, name string) string {
	return filepath.Join(cfg.ObjectPath(name), "history")
}

func loadSnapshot(cfg config.Config, name string) []byte {
	data, err := os.ReadFile(snapshotPath(cfg, name))
	if err != nil {
		return nil
	}
	return data
}
