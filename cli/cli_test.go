package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/turnflow/config"
)

// newTestRoot creates a fresh command tree. HOME is redirected so a
// developer's ~/.turnflow/config.yaml never leaks into the test.
func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

const testConfig = "tenants: [acme]\nllm:\n  provider: scripted\n"

func decodeState(t *testing.T, stdout string) map[string]any {
	t.Helper()
	var state map[string]any
	if err := json.Unmarshal([]byte(stdout), &state); err != nil {
		t.Fatalf("stdout is not a thread state: %v\n%s", err, stdout)
	}
	return state
}

// --- Turn command tests ---

func TestTurn_CleanTurn(t *testing.T) {
	cfg := writeTestFile(t, "turnflow.yaml", testConfig)
	root := newTestRoot(t)

	stdout, _, err := executeCommand(root, "turn", "--config", cfg, "--quiet",
		"--tenant", "acme", "--input", "I have oily skin, recommend a cleanser")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}

	state := decodeState(t, stdout)
	if state["tenant_id"] != "acme" {
		t.Errorf("tenant_id = %v, want acme", state["tenant_id"])
	}
	if id, _ := state["turn_id"].(string); id == "" {
		t.Error("turn_id is empty")
	}
	if final, _ := state["final_response"].(string); final == "" {
		t.Error("final_response is empty")
	}
	if active, _ := state["active_stages"].([]any); len(active) != 8 {
		t.Errorf("active_stages = %v, want all 8 stages", state["active_stages"])
	}
	if _, ok := state["error_state"]; ok {
		t.Errorf("error_state = %v, want none", state["error_state"])
	}
}

func TestTurn_BlockedTurn(t *testing.T) {
	cfg := writeTestFile(t, "turnflow.yaml", testConfig)
	root := newTestRoot(t)

	stdout, _, err := executeCommand(root, "turn", "--config", cfg, "--quiet",
		"--tenant", "acme", "--input", "Can this cream cure my eczema?")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}

	state := decodeState(t, stdout)
	if state["terminated"] != true {
		t.Errorf("terminated = %v, want true", state["terminated"])
	}
	active, _ := state["active_stages"].([]any)
	if len(active) != 1 || active[0] != "safety_review" {
		t.Errorf("active_stages = %v, want [safety_review]", active)
	}
}

func TestTurn_InvalidInput(t *testing.T) {
	cfg := writeTestFile(t, "turnflow.yaml", testConfig)
	root := newTestRoot(t)

	stdout, _, err := executeCommand(root, "turn", "--config", cfg, "--quiet", "--tenant", "acme")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
	if state := decodeState(t, stdout); state["error_state"] != "validation_failed" {
		t.Errorf("error_state = %v, want validation_failed", state["error_state"])
	}
}

func TestTurn_EventsToStderr(t *testing.T) {
	cfg := writeTestFile(t, "turnflow.yaml", testConfig)
	root := newTestRoot(t)

	_, stderr, err := executeCommand(root, "turn", "--config", cfg, "--quiet", "--events",
		"--tenant", "acme", "--input", "hello there")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected event lines on stderr, got %q", stderr)
	}
	if !strings.Contains(lines[0], `"turn.started"`) {
		t.Errorf("first event = %s, want turn.started", lines[0])
	}
	if !strings.Contains(lines[len(lines)-1], `"turn.finished"`) {
		t.Errorf("last event = %s, want turn.finished", lines[len(lines)-1])
	}
}

func TestTurn_BadConfig(t *testing.T) {
	cfg := writeTestFile(t, "turnflow.yaml", "memory: {backend: etcd}\n")
	root := newTestRoot(t)

	_, _, err := executeCommand(root, "turn", "--config", cfg, "--input", "hi")
	if code := exitCode(t, err); code != exitConfig {
		t.Errorf("exit code = %d, want %d", code, exitConfig)
	}
}

func TestTurn_MissingConfigFile(t *testing.T) {
	root := newTestRoot(t)
	_, _, err := executeCommand(root, "turn", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--input", "hi")
	if code := exitCode(t, err); code != exitConfig {
		t.Errorf("exit code = %d, want %d", code, exitConfig)
	}
}

// --- Validate command tests ---

const validPipeline = `nodes:
  - name: safety_review
  - name: emotion
    depends_on: [safety_review]
  - name: response
    depends_on: [emotion]
routing:
  - rule: safety_block
    after: safety_review
terminal: response
`

const customStagePipeline = `nodes:
  - name: safety_review
  - name: loyalty
    depends_on: [safety_review]
  - name: response
    depends_on: [loyalty]
terminal: response
`

func TestValidate_Valid(t *testing.T) {
	path := writeTestFile(t, "pipeline.yaml", validPipeline)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if strings.TrimSpace(stdout) != "pipeline ok" {
		t.Errorf("output = %q, want %q", stdout, "pipeline ok")
	}
}

func TestValidate_UnknownRule(t *testing.T) {
	path := writeTestFile(t, "pipeline.yaml", strings.Replace(validPipeline, "safety_block", "vip_only", 1))
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "PG-011") {
		t.Errorf("expected PG-011 in output, got: %q", stdout)
	}
}

func TestValidate_UncoveredStageWarns(t *testing.T) {
	path := writeTestFile(t, "pipeline.yaml", customStagePipeline)

	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "FB-002") || !strings.Contains(stdout, "pipeline ok: 1 warning") {
		t.Errorf("expected FB-002 warning summary, got: %q", stdout)
	}

	_, _, err = executeCommand(newTestRoot(t), "validate", "--strict", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("strict exit code = %d, want %d", code, exitValidation)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "pipeline.yaml", validPipeline)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", "--format", "json", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Errorf("expected empty JSON array, got: %q", stdout)
	}
}

func TestValidate_ParseError(t *testing.T) {
	path := writeTestFile(t, "pipeline.yaml", "nodes: [\n")
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "PG-000") {
		t.Errorf("expected PG-000 in output, got: %q", stdout)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(t), "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- Logging and serve helpers ---

func TestBuildLogger_RenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	buildLogger(&buf, slog.LevelInfo, "json").Info("boom", "error", "bad")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["err"] != "bad" {
		t.Errorf("err = %v, want bad", rec["err"])
	}
	if _, ok := rec["error"]; ok {
		t.Error("error key should be renamed")
	}
}

func TestBuildLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, slog.LevelError, "text")
	logger.Info("hidden")
	logger.Error("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestApplyServeOverrides(t *testing.T) {
	cmd := NewServeCmd()
	if err := cmd.Flags().Parse([]string{"--addr", ":9090", "--otlp-endpoint", "http://collector:4318"}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Server.CORSOrigin = "https://shop.example"
	applyServeOverrides(cmd, &cfg)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.OTLPEndpoint != "http://collector:4318" {
		t.Errorf("OTLPEndpoint = %q", cfg.Server.OTLPEndpoint)
	}
	if cfg.Server.CORSOrigin != "https://shop.example" {
		t.Errorf("CORSOrigin = %q, want config value kept", cfg.Server.CORSOrigin)
	}
}

func TestRetentionJobs(t *testing.T) {
	cfg := config.Default()
	events, err := cfg.OpenEventStore()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := buildEngine(cfg, slog.New(slog.DiscardHandler), engineHooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if jobs := retentionJobs(cfg, events, eng); len(jobs) != 1 || jobs[0].Name != "events" {
		t.Errorf("jobs = %+v, want only events", jobs)
	}

	cfg.Memory.Retention = time.Hour
	jobs := retentionJobs(cfg, events, eng)
	if len(jobs) != 2 || jobs[1].Name != "memory" {
		t.Fatalf("jobs = %+v, want events and memory", jobs)
	}
	for _, job := range jobs {
		if err := job.Run(context.Background()); err != nil {
			t.Errorf("%s job error = %v", job.Name, err)
		}
	}
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	tracer, shutdown, err := setupTracing(context.Background(), "")
	if err != nil {
		t.Fatalf("setupTracing() error = %v", err)
	}
	if tracer == nil {
		t.Fatal("tracer is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
