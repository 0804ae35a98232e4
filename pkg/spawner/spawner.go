package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaybridge/agent-relay/pkg/history"
	"github.com/relaybridge/agent-relay/pkg/log"
)

// These are declared as vars rather than consts purely so tests can shrink
// them; production callers never override them.
var (
	registrationPollInterval = 500 * time.Millisecond
	registrationDeadline     = 30 * time.Second
	taskSettleDelay          = 1 * time.Second
	releaseGrace             = 2 * time.Second
)

// Spawner supervises every worker process for a single project: it launches
// them under a PTY, gates task injection behind the daemon's registration
// file, and persists a workers.json snapshot on every change.
type Spawner struct {
	projectRoot   string
	dashboardPort int
	socketPath    string
	agentsPath    string
	logsDir       string
	workersPath   string

	log      *log.Logger
	shadowOf shadowCLISelector
	onOutput func(worker, line string)
	journal  *history.Journal

	httpClient *http.Client

	mu      sync.Mutex
	workers map[string]*worker
}

// New constructs a Spawner rooted at projectRoot. dashboardPort of 0 means
// no dashboard is present; task injection falls back to direct PTY writes.
// It opens (or creates) the project's worker history journal; a failure to
// open it is logged, not fatal, since the journal is purely additive on top
// of the required workers.json snapshot.
func New(projectRoot string, dashboardPort int) (*Spawner, error) {
	logsDir := filepath.Join(projectRoot, "team", "worker-logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker logs dir: %w", err)
	}
	l := log.ForService("spawner")

	journal, err := history.Open(filepath.Join(projectRoot, "team", "history.db"))
	if err != nil {
		l.Warnf("worker history journal unavailable: %v", err)
		journal = nil
	}

	return &Spawner{
		projectRoot:   projectRoot,
		dashboardPort: dashboardPort,
		socketPath:    filepath.Join(projectRoot, ".agent-relay", "relay.sock"),
		agentsPath:    filepath.Join(projectRoot, "team", "agents.json"),
		logsDir:       logsDir,
		workersPath:   filepath.Join(projectRoot, "team", "workers.json"),
		log:           l,
		shadowOf:      defaultShadowCLISelector,
		journal:       journal,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		workers:       make(map[string]*worker),
	}, nil
}

// recordHistory appends a lifecycle event to the journal, if one is open.
// Best-effort: a write failure is logged and otherwise ignored.
func (s *Spawner) recordHistory(worker, cli string, kind history.EventKind, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.Background(), worker, cli, kind, detail); err != nil {
		s.log.Warnf("history record failed: %v", err)
	}
}

// SetOutputBroadcaster wires a process-wide sink that every worker's PTY
// output is forwarded to, so a dashboard can tail logs live.
func (s *Spawner) SetOutputBroadcaster(fn func(worker, line string)) {
	s.onOutput = fn
}

// Close releases the history journal handle. It does not touch any active
// worker; call ReleaseAll first if a full teardown is wanted.
func (s *Spawner) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// History returns recent worker lifecycle events across this project, newest
// first. It returns an empty slice, not an error, when the journal could not
// be opened.
func (s *Spawner) History(ctx context.Context, limit int) ([]history.Record, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.Recent(ctx, limit)
}

// Spawn launches a single worker per §4.5: name-uniqueness check, CLI
// argument rewriting, PTY launch, the registration gate, and task injection.
func (s *Spawner) Spawn(req SpawnRequest) SpawnResult {
	s.mu.Lock()
	if _, exists := s.workers[req.Name]; exists {
		s.mu.Unlock()
		return SpawnResult{Success: false, Name: req.Name, Error: "AlreadyExists"}
	}
	s.mu.Unlock()

	commandName, extraArgs := splitCLI(req.CLI)
	resolved, err := exec.LookPath(commandName)
	if err != nil {
		s.log.Warnf("could not resolve %q on PATH, launching as-is: %v", commandName, err)
		resolved = commandName
	}

	args := rewriteArgsForFamily(commandName, extraArgs)

	logPath := filepath.Join(s.logsDir, req.Name+".log")
	pcfg := ptyConfig{
		Name:    req.Name,
		Command: resolved,
		Args:    args,
		Cwd:     s.projectRoot,
		Env:     s.childEnv(),
		LogPath: logPath,
		OnOutput: func(name, line string) {
			if s.onOutput != nil {
				s.onOutput(name, line)
			}
		},
		OnExit: func(name string, exitErr error) {
			if exitErr != nil {
				s.log.Warnf("worker %s exited: %v", name, exitErr)
				s.recordHistory(name, req.CLI, history.EventExited, exitErr.Error())
			} else {
				s.log.Infof("worker %s exited", name)
				s.recordHistory(name, req.CLI, history.EventExited, "")
			}
		},
	}
	// The nested-spawn/release-ask control channel only applies when there is
	// no dashboard HTTP surface for a worker to call instead.
	if s.dashboardPort == 0 {
		pcfg.OnSpawnAsk = func(asker string, ask SpawnAskRequest) {
			s.log.Infof("worker %s asked to spawn %s (%s)", asker, ask.Name, ask.CLI)
			go func() {
				if res := s.Spawn(SpawnRequest{Name: ask.Name, CLI: ask.CLI, Task: ask.Task, Team: req.Team}); !res.Success {
					s.log.Warnf("nested spawn of %s (asked by %s) failed: %s", ask.Name, asker, res.Error)
				}
			}()
		}
		pcfg.OnReleaseAsk = func(asker string) {
			s.log.Infof("worker %s asked to be released", asker)
			go s.Release(asker)
		}
	}

	p, err := startPTY(pcfg)
	if err != nil {
		s.recordHistory(req.Name, req.CLI, history.EventSpawnFailed, err.Error())
		return SpawnResult{Success: false, Name: req.Name, Error: err.Error()}
	}
	s.recordHistory(req.Name, req.CLI, history.EventSpawned, fmt.Sprintf("pid=%d", p.pid))

	if err := s.waitForRegistration(req.Name); err != nil {
		p.kill()
		s.recordHistory(req.Name, req.CLI, history.EventSpawnFailed, err.Error())
		return SpawnResult{Success: false, Name: req.Name, Error: err.Error()}
	}
	s.recordHistory(req.Name, req.CLI, history.EventRegistered, "")

	if strings.TrimSpace(req.Task) != "" {
		s.injectTask(req.Name, req.Task, p)
		s.recordHistory(req.Name, req.CLI, history.EventTaskInjected, req.Task)
	}

	w := &worker{
		pty: p,
		info: WorkerInfo{
			Name:          req.Name,
			CLI:           req.CLI,
			Task:          req.Task,
			Team:          req.Team,
			SpawnedAt:     time.Now(),
			PID:           p.pid,
			LogPath:       logPath,
			ShadowOf:      req.ShadowOf,
			ShadowSpeakOn: req.ShadowSpeakOn,
		},
	}

	s.mu.Lock()
	s.workers[req.Name] = w
	s.mu.Unlock()

	if err := s.persistSnapshot(); err != nil {
		s.log.Warnf("failed to persist workers snapshot: %v", err)
	}

	return SpawnResult{Success: true, Name: req.Name, PID: p.pid}
}

func (s *Spawner) childEnv() []string {
	env := filterChildEnv(os.Environ())
	return append(env, "AGENT_RELAY_SOCKET="+s.socketPath)
}

// filterChildEnv strips credentials and recursion guards a supervised child
// should not inherit from this process.
func filterChildEnv(env []string) []string {
	blocked := map[string]bool{
		"AWS_SECRET_ACCESS_KEY": true,
		"AWS_SESSION_TOKEN":     true,
		"SLACK_BOT_TOKEN":       true,
		"SLACK_SIGNING_SECRET":  true,
		"CLAUDECODE":            true,
	}
	out := make([]string, 0, len(env))
	for _, e := range env {
		key, _, ok := strings.Cut(e, "=")
		if ok && blocked[key] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// splitCLI separates the configured CLI string's command name from any
// extra arguments it already carries.
func splitCLI(cli string) (string, []string) {
	fields := strings.Fields(cli)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// rewriteArgsForFamily appends the family-specific unattended-mode flag,
// idempotently, preserving the caller's existing argument order.
func rewriteArgsForFamily(commandName string, args []string) []string {
	out := append([]string(nil), args...)
	switch {
	case strings.HasPrefix(commandName, "claude"):
		out = appendIfMissing(out, "--dangerously-skip-permissions")
	case strings.HasPrefix(commandName, "codex"):
		out = appendIfMissing(out, "--dangerously-bypass-approvals-and-sandbox")
	}
	return out
}

func appendIfMissing(args []string, flag string) []string {
	for _, a := range args {
		if a == flag {
			return args
		}
	}
	return append(args, flag)
}

// waitForRegistration polls agentsPath until it contains an entry whose name
// matches, or the 30s deadline elapses. A fsnotify watch on the file's
// parent directory lets it react to the write immediately rather than only
// on the next poll tick; the poll loop remains the source of truth since the
// watch can itself miss events (e.g. directory created after the watch was
// installed) or not be supported on the platform.
func (s *Spawner) waitForRegistration(name string) error {
	deadline := time.Now().Add(registrationDeadline)

	fastPath := make(chan struct{}, 1)
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(s.agentsPath)); err == nil {
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Clean(ev.Name) == filepath.Clean(s.agentsPath) {
							select {
							case fastPath <- struct{}{}:
							default:
							}
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(registrationPollInterval)
	defer ticker.Stop()

	for {
		if s.isRegistered(name) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker %s failed to register within %s", name, registrationDeadline)
		}
		select {
		case <-fastPath:
		case <-ticker.C:
		}
	}
}

func (s *Spawner) isRegistered(name string) bool {
	data, err := os.ReadFile(s.agentsPath)
	if err != nil {
		return false
	}
	var asArray struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(data, &asArray); err == nil {
		for _, a := range asArray.Agents {
			if n, _ := a["name"].(string); n == name {
				return true
			}
		}
	}
	var asMap struct {
		Agents map[string]map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(data, &asMap); err == nil {
		for key, a := range asMap.Agents {
			if key == name {
				return true
			}
			if n, _ := a["name"].(string); n == name {
				return true
			}
		}
	}
	return false
}

// injectTask types the initial task, preferring the dashboard's HTTP API
// (after a settle delay) and falling back to a direct PTY write on any
// failure or when no dashboard is configured.
func (s *Spawner) injectTask(name, task string, p *childPTY) {
	if s.dashboardPort == 0 {
		s.writeTaskToPTY(task, p)
		return
	}

	time.Sleep(taskSettleDelay)

	body, _ := json.Marshal(map[string]string{
		"to":      name,
		"message": task,
		"from":    "__spawner__",
	})
	url := fmt.Sprintf("http://localhost:%d/api/send", s.dashboardPort)
	resp, err := s.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.log.Warnf("dashboard task injection for %s failed, falling back to PTY: %v", name, err)
		s.writeTaskToPTY(task, p)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warnf("dashboard task injection for %s returned %s, falling back to PTY", name, resp.Status)
		s.writeTaskToPTY(task, p)
		return
	}
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.Success {
		s.log.Warnf("dashboard task injection for %s reported failure (%v %s), falling back to PTY", name, err, result.Error)
		s.writeTaskToPTY(task, p)
	}
}

func (s *Spawner) writeTaskToPTY(task string, p *childPTY) {
	if err := p.write([]byte(task + "\r")); err != nil {
		s.log.Warnf("failed to write task into PTY: %v", err)
	}
}

// Release stops and removes a worker, per §4.5: graceful stop, a 2s grace
// period, force kill if still running, then table removal regardless of
// errors along the way.
func (s *Spawner) Release(name string) bool {
	s.mu.Lock()
	w, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if err := w.pty.stop(); err != nil {
		s.log.Warnf("graceful stop of %s failed: %v", name, err)
	}
	time.Sleep(releaseGrace)
	if w.pty.isRunning() {
		if err := w.pty.kill(); err != nil {
			s.log.Warnf("force kill of %s failed: %v", name, err)
		}
	}

	if err := s.persistSnapshot(); err != nil {
		s.log.Warnf("failed to persist workers snapshot: %v", err)
	}
	s.recordHistory(name, w.info.CLI, history.EventReleased, "")
	return true
}

// ReleaseAll releases every active worker serially, to avoid a signal storm
// against the project's process tree.
func (s *Spawner) ReleaseAll() {
	for _, name := range s.activeNames() {
		s.Release(name)
	}
}

func (s *Spawner) activeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for n := range s.workers {
		names = append(names, n)
	}
	return names
}

// GetActiveWorkers returns every active worker's info, without PTY handles.
func (s *Spawner) GetActiveWorkers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// HasWorker reports whether name is currently an active worker.
func (s *Spawner) HasWorker(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[name]
	return ok
}

// GetWorkerOutput returns the last limit captured output lines for name.
func (s *Spawner) GetWorkerOutput(name string, limit int) ([]string, bool) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return w.pty.getOutput(limit), true
}

// GetWorkerRawOutput returns the full buffered transcript for name.
func (s *Spawner) GetWorkerRawOutput(name string) (string, bool) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return w.pty.getRawOutput(), true
}

// persistSnapshot atomically writes the workers-metadata projection to
// workersPath: write to a temp file in the same directory, then rename, so
// a reader never observes a partially written file.
func (s *Spawner) persistSnapshot() error {
	snap := workersSnapshot{Workers: s.GetActiveWorkers()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workers snapshot: %w", err)
	}

	dir := filepath.Dir(s.workersPath)
	tmp, err := os.CreateTemp(dir, "workers-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp workers snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp workers snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp workers snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.workersPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename workers snapshot into place: %w", err)
	}
	return nil
}
