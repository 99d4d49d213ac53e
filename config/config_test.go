package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/copernicus/aox/mlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aox.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, "Database:\n\tBackend: postgres\n\tDSN: postgres://aox@localhost/aox\nLogLevel: info\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Database.Backend != "postgres" || c.Database.DSN != "postgres://aox@localhost/aox" {
		t.Fatalf("got %#v", c.Database)
	}
	if c.Database.MaxHandles != 0 {
		t.Fatalf("expected optional MaxHandles to default to zero, got %d", c.Database.MaxHandles)
	}
	pc := c.PoolConfig()
	if pc.Backend != "postgres" || pc.DSN != c.Database.DSN {
		t.Fatalf("PoolConfig() = %#v", pc)
	}
}

func TestLoadMissingDSN(t *testing.T) {
	// This config names DSN but leaves its value empty; Load must reject
	// it, whether sconf refuses the empty value or Load's own DSN check does.
	path := writeConfig(t, "Database:\n\tBackend: postgres\n\tDSN: \nLogLevel: info\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected empty DSN to be rejected")
	}
}

func TestSetLogLevelsUnknownDefault(t *testing.T) {
	c := &Static{LogLevel: "verbose"}
	if err := c.SetLogLevels(); err == nil {
		t.Fatalf("expected unknown LogLevel to be rejected")
	}
}

func TestSetLogLevelsUnknownPackageOverride(t *testing.T) {
	c := &Static{LogLevel: "info", PackageLogLevels: map[string]string{"vocab": "verbose"}}
	if err := c.SetLogLevels(); err == nil {
		t.Fatalf("expected unknown package log level to be rejected")
	}
}

func TestSetLogLevelsApplies(t *testing.T) {
	c := &Static{LogLevel: "info", PackageLogLevels: map[string]string{"vocab": "debug"}}
	if err := c.SetLogLevels(); err != nil {
		t.Fatalf("SetLogLevels: %v", err)
	}
	defer mlog.SetConfig(map[string]mlog.Level{"": mlog.LevelError})

	if ok := mlog.New("vocab").Debug("x"); !ok {
		t.Fatalf("expected vocab override to take effect")
	}
	if ok := mlog.New("pool").Debug("x"); ok {
		t.Fatalf("expected pool package to stay at the default info level")
	}
}
