package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testInventory = `
devices:
  - id: tv-1
    name: Lobby TV
    kind: video
    api:
      base_url: http://127.0.0.1:1
  - id: cam-1
    kind: camera
`

// writeTestConfig writes a config and inventory under a temp dir and
// returns the config path.
func writeTestConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()

	inventory := filepath.Join(dir, "devices.yaml")
	if err := os.WriteFile(inventory, []byte(testInventory), 0o600); err != nil {
		t.Fatalf("writing inventory: %v", err)
	}

	cfg := fmt.Sprintf(`
site:
  id: test-site
database:
  path: %q
  wal_mode: true
  busy_timeout: 5
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
  format: text
  output: stderr
devices:
  inventory: %q
reconcile:
  enabled: true
  interval_ms: 60000
`, filepath.Join(dir, "fleet.db"), port, inventory)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("FLEET_CONFIG", "")
	if got := getConfigPath(""); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want default", got)
	}

	t.Setenv("FLEET_CONFIG", "/etc/fleet/config.yaml")
	if got := getConfigPath(""); got != "/etc/fleet/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
	if got := getConfigPath("/tmp/x.yaml"); got != "/tmp/x.yaml" {
		t.Errorf("getConfigPath(flag) = %q, want flag value", got)
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingInventory(t *testing.T) {
	path := writeTestConfig(t, freePort(t))
	t.Setenv("FLEET_DEVICES_INVENTORY", filepath.Join(t.TempDir(), "missing.yaml"))

	err := run(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "device inventory") {
		t.Fatalf("run() error = %v, want inventory error", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	path := writeTestConfig(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(5 * time.Second)
	healthy := false
	for time.Now().Before(deadline) && !healthy {
		if resp, err := http.Get(url); err == nil {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
		}
		if !healthy {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !healthy {
		cancel()
		t.Fatalf("daemon never became healthy: %v", <-done)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want clean shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

// ─── Admin subcommands ──────────────────────────────────────────────

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "fleetd dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestMigrateCommand(t *testing.T) {
	path := writeTestConfig(t, 8080)

	out, err := execute(t, "migrate", "--config", path)
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if strings.Contains(out, "pending") || !strings.Contains(out, "applied") {
		t.Errorf("migrate output = %q", out)
	}

	out, err = execute(t, "migrate", "--down", "--config", path)
	if err != nil {
		t.Fatalf("migrate --down error = %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("migrate --down output = %q, want one pending migration", out)
	}

	if _, err := execute(t, "migrate", "--down", "--status", "--config", path); err == nil {
		t.Error("--down with --status should be rejected")
	}
}

func TestEnqueueAndInspect(t *testing.T) {
	path := writeTestConfig(t, 8080)

	out, err := execute(t, "enqueue", "tv-1", "power.on",
		"--path", "/power", "--method", "POST", "--body", `{"on":true}`,
		"--dedupe-key", "tv-1:power", "--config", path)
	if err != nil {
		t.Fatalf("enqueue error = %v", err)
	}
	var res struct {
		JobID   string `json:"jobId"`
		Created bool   `json:"created"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("enqueue output %q: %v", out, err)
	}
	if !res.Created || res.JobID == "" {
		t.Fatalf("enqueue result = %+v", res)
	}

	out, _ = execute(t, "enqueue", "tv-1", "power.on", "--path", "/power",
		"--dedupe-key", "tv-1:power", "--config", path)
	if !strings.Contains(out, res.JobID) || !strings.Contains(out, `"created": false`) {
		t.Errorf("dedupe enqueue output = %q", out)
	}

	out, err = execute(t, "jobs", "get", res.JobID, "--config", path)
	if err != nil {
		t.Fatalf("jobs get error = %v", err)
	}
	if !strings.Contains(out, `"origin": "cli"`) || !strings.Contains(out, `"status": "pending"`) {
		t.Errorf("jobs get output = %q", out)
	}

	out, err = execute(t, "jobs", "list", "--device", "tv-1", "--config", path)
	if err != nil {
		t.Fatalf("jobs list error = %v", err)
	}
	if !strings.Contains(out, res.JobID) {
		t.Errorf("jobs list output = %q", out)
	}

	out, err = execute(t, "events", "--device", "tv-1", "--config", path)
	if err != nil {
		t.Fatalf("events error = %v", err)
	}
	if !strings.Contains(out, "power.on.intent") {
		t.Errorf("events output = %q", out)
	}
}

func TestEnqueueCommand_Errors(t *testing.T) {
	path := writeTestConfig(t, 8080)

	if _, err := execute(t, "enqueue", "ghost", "power.on", "--path", "/", "--config", path); err == nil {
		t.Error("enqueue for unknown device should fail")
	}
	if _, err := execute(t, "enqueue", "tv-1", "power.on", "--body", "{", "--config", path); err == nil {
		t.Error("enqueue with invalid body should fail")
	}
	if _, err := execute(t, "enqueue", "tv-1", "--config", path); err == nil {
		t.Error("enqueue without command should fail")
	}
	if _, err := execute(t, "jobs", "get", "missing", "--config", path); err == nil {
		t.Error("jobs get for unknown id should fail")
	}
}
