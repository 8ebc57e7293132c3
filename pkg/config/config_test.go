package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	f, err := createDefaultConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("default configuration does not parse: %v", err)
	}
	if *c != (Config{}) {
		t.Fatalf("default configuration sets options: %#v", c)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	err := os.WriteFile(path, []byte(`
process: game
signature: "89 9c 88 dc 00 00 00"
register: ebx
gate: XOpenDisplay
wait-interval: 250ms
idle: 3s
dedup: true
min: 0
max: 300
`), 0600)
	if err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Process != "game" || c.Register != "ebx" || c.Gate != "XOpenDisplay" || !c.Dedup {
		t.Fatalf("unexpected configuration %#v", c)
	}
	if c.WaitInterval != 250*time.Millisecond || c.Idle != 3*time.Second {
		t.Fatalf("durations not decoded: %v %v", c.WaitInterval, c.Idle)
	}
	if c.Min == nil || *c.Min != 0 || c.Max == nil || *c.Max != 300 {
		t.Fatalf("range not decoded")
	}

	saved := filepath.Join(t.TempDir(), "saved.yml")
	if err := SaveConfigFile(saved, c); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadConfigFile(saved)
	if err != nil {
		t.Fatal(err)
	}
	if c2.WaitInterval != c.WaitInterval || *c2.Max != *c.Max || c2.Signature != c.Signature {
		t.Fatalf("saved configuration differs: %#v", c2)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfigFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := filepath.Join(dir, configFile)
	if err := os.WriteFile(path, []byte("registr: ebx\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "registr") {
		t.Fatalf("unknown option not reported: %v", err)
	}
}
