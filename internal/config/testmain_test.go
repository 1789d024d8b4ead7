package config

import (
	"log"
	"os"
	"path/filepath"
	"testing"
)

// TestMain runs every test from an empty directory with HOME and
// XDG_CONFIG_HOME pointing into it, so only built-in defaults are found.
func TestMain(m *testing.M) {
	os.Exit(runIsolated(m))
}

func runIsolated(m *testing.M) int {
	sandbox, err := os.MkdirTemp("", "plannersync-config-*")
	if err != nil {
		log.Fatalf("config tests: %v", err)
	}
	defer os.RemoveAll(sandbox)

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("config tests: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	if err := os.Chdir(sandbox); err != nil {
		log.Fatalf("config tests: %v", err)
	}
	for k, v := range map[string]string{
		"HOME":            sandbox,
		"XDG_CONFIG_HOME": filepath.Join(sandbox, "xdg"),
	} {
		if err := os.Setenv(k, v); err != nil {
			log.Fatalf("config tests: %v", err)
		}
	}
	return m.Run()
}
