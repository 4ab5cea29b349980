package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("quiet")
	log.Warn("loud", zap.Int("n", 1))
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Errorf("output = %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Format: FormatJSON}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("block committed", zap.Uint64("number", 3))
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["msg"] != "block committed" || rec["number"] != float64(3) {
		t.Errorf("record = %v", rec)
	}
}

func TestRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	cfg := Default()
	cfg.File = path
	var buf bytes.Buffer
	log, err := NewWithWriter(cfg, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("to both")
	_ = log.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("file %q console %q", data, buf.String())
	}
}

func TestBadConfig(t *testing.T) {
	for _, cfg := range []Config{{Level: "loud"}, {Format: "xml"}} {
		if _, err := NewWithWriter(cfg, &bytes.Buffer{}); err == nil {
			t.Errorf("%+v accepted", cfg)
		}
	}
}
