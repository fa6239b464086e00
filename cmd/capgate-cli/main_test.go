package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/closeup/capgate"
)

const testConfig = `
upstream:
  provider: mock
  credentials: [k0, k1]
quota:
  limit: 3
  window: 1m
queue:
  max_size: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// run executes the CLI against a miniredis instance and returns stdout.
func run(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GROQ_API_KEYS", "")
	dial := func(context.Context, capgate.RedisConfig) (goredis.UniversalClient, error) {
		return goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil
	}
	cmd := newRootCmd(dial)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	mr := miniredis.RunT(t)
	out, err := run(t, mr, "validate", writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"Config is valid", "mock (2 credential(s))", "3 per 1m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	bad := writeConfig(t, "upstream:\n  provider: mock\nquota:\n  limit: 0\n")
	if _, err := run(t, mr, "validate", bad); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := run(t, mr, "validate", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFeatureDisableAndEnable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, testConfig)

	out, err := run(t, mr, "--config", cfg, "feature", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Feature:  on") {
		t.Fatalf("unexpected status:\n%s", out)
	}

	out, err = run(t, mr, "--config", cfg, "feature", "disable")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !strings.Contains(out, "manual_off") || !strings.Contains(out, "by cli") {
		t.Fatalf("unexpected disable output:\n%s", out)
	}

	out, err = run(t, mr, "--config", cfg, "--json", "feature", "enable")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	var v featureView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !v.Enabled || v.State != "on" || v.Breaker != "closed" {
		t.Errorf("unexpected state %+v", v)
	}
}

func TestCapacityJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	out, err := run(t, mr, "--config", writeConfig(t, testConfig), "--json", "capacity")
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	var rep capgate.CapacityReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.Remaining != 6 || rep.QueueMax != 5 || len(rep.Usage) != 2 {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestCapacityText(t *testing.T) {
	mr := miniredis.RunT(t)
	out, err := run(t, mr, "--config", writeConfig(t, testConfig), "capacity")
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if !strings.Contains(out, "Remaining:  6 of 6") || !strings.Contains(out, "credential 1") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestQueueStatusUnknown(t *testing.T) {
	mr := miniredis.RunT(t)
	out, err := run(t, mr, "--config", writeConfig(t, testConfig), "queue", "status", "nope")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if !strings.Contains(out, "not_found") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestQueueStatusQueued(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := writeConfig(t, testConfig)

	loaded, err := capgate.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	gw, err := capgate.New(*loaded, client, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	id, _, err := gw.Queue().Enqueue(context.Background(), []byte(`{"image_url":"data:image/png;base64,AAAA"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := run(t, mr, "--config", cfgPath, "queue", "status", id)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if !strings.Contains(out, "Status:   queued") || !strings.Contains(out, "Position: 1") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	mr := miniredis.RunT(t)
	out, err := run(t, mr, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "capgate-cli ") {
		t.Errorf("output = %q", out)
	}
}
