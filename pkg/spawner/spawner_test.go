package spawner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeFakeCLI writes an executable shell script that idles so the PTY has
// a long-running child to supervise for the duration of the test.
func writeFakeCLI(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func withShortTimings(t *testing.T) {
	t.Helper()
	origPoll, origDeadline, origSettle, origGrace := registrationPollInterval, registrationDeadline, taskSettleDelay, releaseGrace
	registrationPollInterval = 10 * time.Millisecond
	registrationDeadline = 300 * time.Millisecond
	taskSettleDelay = 10 * time.Millisecond
	releaseGrace = 50 * time.Millisecond
	t.Cleanup(func() {
		registrationPollInterval, registrationDeadline, taskSettleDelay, releaseGrace = origPoll, origDeadline, origSettle, origGrace
	})
}

func writeAgentsFile(t *testing.T, path, name string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"agents": []map[string]string{{"name": name}},
	})
	if err != nil {
		t.Fatalf("marshal agents file: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir team dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write agents file: %v", err)
	}
}

func TestSpawnSucceedsOnceRegistered(t *testing.T) {
	withShortTimings(t)
	root := t.TempDir()
	cliDir := t.TempDir()
	cli := writeFakeCLI(t, cliDir, "fake-agent", "sleep 5")

	sp, err := New(root, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeAgentsFile(t, filepath.Join(root, "team", "agents.json"), "worker-1")
	}()

	res := sp.Spawn(SpawnRequest{Name: "worker-1", CLI: cli, Task: "hello there"})
	if !res.Success {
		t.Fatalf("expected spawn to succeed, got error: %s", res.Error)
	}
	if res.PID <= 0 {
		t.Fatalf("expected a positive pid, got %d", res.PID)
	}
	if !sp.HasWorker("worker-1") {
		t.Fatalf("expected worker-1 to be active")
	}

	snapData, err := os.ReadFile(filepath.Join(root, "team", "workers.json"))
	if err != nil {
		t.Fatalf("read workers.json: %v", err)
	}
	var snap workersSnapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		t.Fatalf("unmarshal workers.json: %v", err)
	}
	if len(snap.Workers) != 1 || snap.Workers[0].Name != "worker-1" {
		t.Fatalf("unexpected workers snapshot: %+v", snap)
	}

	records, err := sp.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected spawned, registered, and task_injected events, got %+v", records)
	}
	if records[0].Kind != "task_injected" || records[2].Kind != "spawned" {
		t.Fatalf("unexpected history ordering: %+v", records)
	}

	if !sp.Release("worker-1") {
		t.Fatalf("expected release to succeed")
	}
	if sp.HasWorker("worker-1") {
		t.Fatalf("expected worker-1 to be gone after release")
	}

	records, err = sp.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History after release: %v", err)
	}
	if records[0].Kind != "released" {
		t.Fatalf("expected a released event most recent, got %+v", records)
	}
	sp.Close()
}

func TestSpawnFailsOnDuplicateName(t *testing.T) {
	withShortTimings(t)
	root := t.TempDir()
	cliDir := t.TempDir()
	cli := writeFakeCLI(t, cliDir, "fake-agent", "sleep 5")

	sp, err := New(root, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		writeAgentsFile(t, filepath.Join(root, "team", "agents.json"), "worker-1")
	}()
	if res := sp.Spawn(SpawnRequest{Name: "worker-1", CLI: cli}); !res.Success {
		t.Fatalf("expected first spawn to succeed: %s", res.Error)
	}
	defer sp.ReleaseAll()

	res := sp.Spawn(SpawnRequest{Name: "worker-1", CLI: cli})
	if res.Success || res.Error != "AlreadyExists" {
		t.Fatalf("expected AlreadyExists, got %+v", res)
	}
}

func TestSpawnFailsWhenRegistrationNeverHappens(t *testing.T) {
	withShortTimings(t)
	root := t.TempDir()
	cliDir := t.TempDir()
	cli := writeFakeCLI(t, cliDir, "fake-agent", "sleep 5")

	sp, err := New(root, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := sp.Spawn(SpawnRequest{Name: "worker-never", CLI: cli})
	if res.Success || !strings.Contains(res.Error, "failed to register") {
		t.Fatalf("expected an error containing 'failed to register', got %+v", res)
	}
	if sp.HasWorker("worker-never") {
		t.Fatalf("expected no worker record after a failed registration")
	}
}

// TestSpawnWiresNestedSpawnAskWhenNoDashboard exercises the control-line
// spawn-ask path end to end: an asker worker prints an AGENT_RELAY_SPAWN
// line, and the Spawner must launch the requested worker in response, since
// no dashboard port is configured to receive the request instead.
func TestSpawnWiresNestedSpawnAskWhenNoDashboard(t *testing.T) {
	withShortTimings(t)
	root := t.TempDir()
	cliDir := t.TempDir()
	helperCLI := writeFakeCLI(t, cliDir, "helper-agent", "sleep 5")
	askerCLI := writeFakeCLI(t, cliDir, "asker-agent",
		"sleep 0.05\necho 'AGENT_RELAY_SPAWN helper-1 "+helperCLI+" review the change'\nsleep 5")

	sp, err := New(root, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sp.Close()
	defer sp.ReleaseAll()

	agentsPath := filepath.Join(root, "team", "agents.json")
	if err := os.MkdirAll(filepath.Dir(agentsPath), 0o755); err != nil {
		t.Fatalf("mkdir team dir: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		data, _ := json.Marshal(map[string]any{
			"agents": []map[string]string{{"name": "asker"}, {"name": "helper-1"}},
		})
		if err := os.WriteFile(agentsPath, data, 0o644); err != nil {
			t.Errorf("rewrite agents file: %v", err)
		}
	}()

	res := sp.Spawn(SpawnRequest{Name: "asker", CLI: askerCLI})
	if !res.Success {
		t.Fatalf("expected asker spawn to succeed: %s", res.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sp.HasWorker("helper-1") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the spawn-ask control line to create helper-1")
}

func TestRewriteArgsForFamilyIsIdempotent(t *testing.T) {
	args := rewriteArgsForFamily("claude", []string{"--model", "foo"})
	if len(args) != 3 || args[2] != "--dangerously-skip-permissions" {
		t.Fatalf("unexpected args: %v", args)
	}
	again := rewriteArgsForFamily("claude", args)
	if len(again) != 3 {
		t.Fatalf("expected idempotent rewrite, got %v", again)
	}

	codexArgs := rewriteArgsForFamily("codex", nil)
	if len(codexArgs) != 1 || codexArgs[0] != "--dangerously-bypass-approvals-and-sandbox" {
		t.Fatalf("unexpected codex args: %v", codexArgs)
	}

	plain := rewriteArgsForFamily("bash", []string{"-c", "echo hi"})
	if len(plain) != 2 {
		t.Fatalf("expected no rewrite for unrelated CLI, got %v", plain)
	}
}

func TestResolveShadowTriggers(t *testing.T) {
	if got := resolveShadowTriggers("", nil); len(got) != 1 || got[0] != defaultShadowTrigger {
		t.Fatalf("expected bare default, got %v", got)
	}
	if got := resolveShadowTriggers("reviewer", nil); len(got) != len(shadowRolePresets["reviewer"]) {
		t.Fatalf("expected reviewer preset, got %v", got)
	}
	override := []string{"CUSTOM_EVENT"}
	if got := resolveShadowTriggers("reviewer", override); len(got) != 1 || got[0] != "CUSTOM_EVENT" {
		t.Fatalf("expected override to take precedence, got %v", got)
	}
}

func TestDefaultShadowCLISelector(t *testing.T) {
	if defaultShadowCLISelector("claude --model foo") != shadowModeSubagent {
		t.Fatalf("expected claude to select subagent mode")
	}
	if defaultShadowCLISelector("codex") != shadowModeSubagent {
		t.Fatalf("expected codex to select subagent mode")
	}
	if defaultShadowCLISelector("some-other-cli") != shadowModeProcess {
		t.Fatalf("expected unknown cli to select process mode")
	}
}
