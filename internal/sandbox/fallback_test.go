package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// skipIfNoPython skips the test if a host python3 is unavailable.
func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping integration test")
	}
}

func stageTestPlugin(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.py"), []byte(source), 0o600); err != nil {
		t.Fatalf("staging plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SDKFileName), []byte(SDKSource), 0o600); err != nil {
		t.Fatalf("staging sdk: %v", err)
	}
	return dir
}

func testLoggerDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runFallback launches the plugin, feeds it the input line, and returns
// the first stdout line plus captured stderr.
func runFallback(t *testing.T, dir, input string) (firstLine, stderr string, exitCode int) {
	t.Helper()
	skipIfNoPython(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt := NewFallback("", testLoggerDiscard())
	proc, err := rt.Launch(ctx, LaunchSpec{
		WorkDir: dir,
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	encoded, _ := json.Marshal(input)
	if _, err := proc.Stdin().Write(append(encoded, '\n')); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	line, _ := bufio.NewReader(proc.Stdout()).ReadString('\n')
	proc.Stdin().Close()
	proc.Wait()
	return strings.TrimSpace(line), proc.Stderr(), proc.ExitCode()
}

func TestFallback_PluginOutput(t *testing.T) {
	dir := stageTestPlugin(t, `import forge_sdk
text = forge_sdk.get_input()
forge_sdk.send_output("got: " + text)
`)

	line, stderr, exitCode := runFallback(t, dir, "hello")

	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		t.Fatalf("first stdout line is not a frame: %q (stderr: %s)", line, stderr)
	}
	if frame["type"] != "output" {
		t.Errorf("frame type = %v, want output", frame["type"])
	}
	if frame["text"] != "got: hello" {
		t.Errorf("frame text = %v, want %q", frame["text"], "got: hello")
	}
	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0 (stderr: %s)", exitCode, stderr)
	}
}

func TestFallback_SecondOutputRaises(t *testing.T) {
	dir := stageTestPlugin(t, `import forge_sdk
forge_sdk.get_input()
forge_sdk.send_output("first")
forge_sdk.send_output("second")
`)

	line, stderr, exitCode := runFallback(t, dir, "")

	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		t.Fatalf("first stdout line is not a frame: %q (stderr: %s)", line, stderr)
	}
	if frame["text"] != "first" {
		t.Errorf("frame text = %v, want %q", frame["text"], "first")
	}
	if !strings.Contains(stderr, "send_output may only be called once") {
		t.Errorf("stderr missing repeat-output error: %q", stderr)
	}
	if exitCode == 0 {
		t.Error("second send_output should fail the process")
	}
}

func TestFallback_ImportGuard(t *testing.T) {
	dir := stageTestPlugin(t, `import socket
`)

	_, stderr, exitCode := runFallback(t, dir, "")

	if !strings.Contains(stderr, "[SANDBOX] blocked import: socket") {
		t.Errorf("stderr missing guard tag: %q", stderr)
	}
	if exitCode == 0 {
		t.Error("blocked import should fail the process")
	}
}

func TestFallback_WriteGuard(t *testing.T) {
	dir := stageTestPlugin(t, `open("evil.txt", "w")
`)

	_, stderr, exitCode := runFallback(t, dir, "")

	if !strings.Contains(stderr, "[SANDBOX] blocked write open") {
		t.Errorf("stderr missing guard tag: %q", stderr)
	}
	if exitCode == 0 {
		t.Error("blocked write should fail the process")
	}
}

func TestFallback_KillTerminatesProcess(t *testing.T) {
	skipIfNoPython(t)

	dir := stageTestPlugin(t, `import time
time.sleep(300)
`)

	ctx := context.Background()
	rt := NewFallback("", testLoggerDiscard())
	proc, err := rt.Launch(ctx, LaunchSpec{WorkDir: dir, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	proc.Kill()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not die after Kill")
	}
}

func TestFallback_AvailableWithBogusInterpreter(t *testing.T) {
	rt := NewFallback("definitely-not-a-python", testLoggerDiscard())
	if rt.Available() {
		t.Error("Available() = true for a missing interpreter")
	}
}
