package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// usersFile is the on-disk shape of a directory file:
//
//	users:
//	  "3f1c...": "Jane Doe"
type usersFile struct {
	Users map[string]string `yaml:"users" toml:"users"`
}

// LoadFile reads a users file. The format is chosen by extension: .yaml/.yml
// or .toml.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var f usersFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("users file %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	if f.Users == nil {
		f.Users = map[string]string{}
	}
	return f.Users, nil
}

// Load builds a Directory from inline users plus an optional file. File
// entries win over inline ones.
func Load(inline map[string]string, path string) (*Directory, error) {
	d := NewDirectory(inline)
	if path == "" {
		return d, nil
	}
	fromFile, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return d.Merge(fromFile), nil
}

// Watch reloads the users file whenever it changes and hands the new
// Directory to onChange. It blocks until ctx is done. Parse failures are
// logged and the previous directory stays in effect.
func Watch(ctx context.Context, inline map[string]string, path string, onChange func(*Directory), log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace files on save, so watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("identity watcher error", "path", path, "error", err)
		case <-reload:
			d, err := Load(inline, path)
			if err != nil {
				log.Warn("identity reload failed, keeping previous directory", "path", path, "error", err)
				continue
			}
			log.Info("identity directory reloaded", "path", path, "users", d.Len())
			onChange(d)
		}
	}
}
