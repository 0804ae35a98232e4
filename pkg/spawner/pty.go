package spawner

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/klauspost/compress/gzip"

	"github.com/relaybridge/agent-relay/pkg/log"
)

// outputLine is one captured line of PTY output, tagged with wall-clock time
// so the ring can be rendered with a consistent ordering across goroutines.
type outputLine struct {
	at   time.Time
	text string
}

// ptyConfig describes how to launch one supervised child process.
type ptyConfig struct {
	Name         string
	Command      string
	Args         []string
	Cwd          string
	Env          []string
	LogPath      string
	MaxLogBytes  int64
	OnOutput     func(name, line string)
	OnExit       func(name string, err error)
	OnSpawnAsk   func(name string, req SpawnAskRequest)
	OnReleaseAsk func(name string)
	RingSize     int
}

// defaultMaxLogBytes is the default cap on a worker's live log file before
// it is rotated to a compressed sibling. A var so tests can shrink it.
var defaultMaxLogBytes int64 = 5 * 1024 * 1024

// SpawnAskRequest is a nested-spawn request parsed from a child's output
// when no dashboard HTTP surface is present to receive it instead.
type SpawnAskRequest struct {
	Name string
	CLI  string
	Task string
}

const defaultRingSize = 2000

// childPTY supervises a single child process under a pseudo-terminal. It is
// the collaborator the Spawner depends on for process lifecycle, exposing a
// pid, a running flag, a bounded output ring, and write/stop/kill controls.
type childPTY struct {
	cfg ptyConfig
	log *log.Logger

	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	mu        sync.Mutex
	running   bool
	lines     []outputLine
	raw       strings.Builder
	logFile   *os.File
	logSize   int64
	waitDone  chan struct{}
	closeOnce sync.Once
}

// startPTY launches the configured command under a PTY. It blocks until the
// process has been started (or fails to start); output capture and the exit
// watcher run in background goroutines.
func startPTY(cfg ptyConfig) (*childPTY, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = defaultMaxLogBytes
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.Env
	// pty.Start runs the child in a new session, so its pid is also its
	// process group id and kill can signal the whole group. Setpgid must not
	// be set as well: setpgid on a session leader fails with EPERM.

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	var logFile *os.File
	if cfg.LogPath != "" {
		logFile, err = os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			ptmx.Close()
			_ = cmd.Process.Kill()
			return nil, err
		}
	}

	p := &childPTY{
		cfg:      cfg,
		log:      log.ForService("pty." + cfg.Name),
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		running:  true,
		logFile:  logFile,
		waitDone: make(chan struct{}),
	}

	go p.readLoop()
	go p.waitForExit()

	return p, nil
}

func (p *childPTY) readLoop() {
	sc := bufio.NewScanner(p.ptmx)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lines = append(p.lines, outputLine{at: time.Now(), text: line})
		if over := len(p.lines) - p.cfg.RingSize; over > 0 {
			p.lines = p.lines[over:]
		}
		p.raw.WriteString(line)
		p.raw.WriteByte('\n')
		if p.logFile != nil {
			n, _ := p.logFile.WriteString(line + "\n")
			p.logSize += int64(n)
			if p.logSize >= p.cfg.MaxLogBytes {
				p.rotateLogLocked()
			}
		}
		p.mu.Unlock()

		p.parseControlLine(line)

		if p.cfg.OnOutput != nil {
			p.cfg.OnOutput(p.cfg.Name, line)
		}
	}
}

// Control markers a child agent can print to ask the bridge to spawn a
// teammate or release itself when no dashboard HTTP surface is listening to
// do this on its behalf. Format: "AGENT_RELAY_SPAWN name cli task..." and
// "AGENT_RELAY_RELEASE".
const (
	spawnAskPrefix   = "AGENT_RELAY_SPAWN "
	releaseAskMarker = "AGENT_RELAY_RELEASE"
)

func (p *childPTY) parseControlLine(line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, spawnAskPrefix):
		if p.cfg.OnSpawnAsk == nil {
			return
		}
		fields := strings.SplitN(strings.TrimPrefix(trimmed, spawnAskPrefix), " ", 3)
		if len(fields) < 2 {
			p.log.Warnf("malformed spawn request from %s: %q", p.cfg.Name, line)
			return
		}
		req := SpawnAskRequest{Name: fields[0], CLI: fields[1]}
		if len(fields) == 3 {
			req.Task = fields[2]
		}
		p.cfg.OnSpawnAsk(p.cfg.Name, req)
	case trimmed == releaseAskMarker:
		if p.cfg.OnReleaseAsk != nil {
			p.cfg.OnReleaseAsk(p.cfg.Name)
		}
	}
}

// rotateLogLocked closes the live log file, compresses it to
// "<name>.1.log.gz" (overwriting any previous rotation), and reopens a fresh
// empty log file at the original path. Called with p.mu held.
func (p *childPTY) rotateLogLocked() {
	path := p.cfg.LogPath
	if err := p.logFile.Close(); err != nil {
		p.log.Warnf("rotate: closing log file: %v", err)
	}

	rotated := strings.TrimSuffix(path, ".log") + ".1.log.gz"
	if err := gzipFile(path, rotated); err != nil {
		p.log.Warnf("rotate: compressing %s: %v", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		p.log.Warnf("rotate: reopening log file: %v", err)
		p.logFile = nil
		return
	}
	p.logFile = f
	p.logSize = 0
}

// gzipFile compresses src into dst using klauspost/compress/gzip, truncating
// any existing dst.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func (p *childPTY) waitForExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.ptmx.Close()
	if p.logFile != nil {
		p.logFile.Close()
	}
	p.closeOnce.Do(func() { close(p.waitDone) })

	if p.cfg.OnExit != nil {
		p.cfg.OnExit(p.cfg.Name, err)
	}
}

// write injects raw bytes into the PTY, e.g. a typed task followed by a
// carriage return to submit it at a shell-like prompt.
func (p *childPTY) write(data []byte) error {
	_, err := p.ptmx.Write(data)
	return err
}

// isRunning reports whether the child process has not yet exited.
func (p *childPTY) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// stop requests graceful termination by writing the agreed exit sequence to
// the PTY, the way a human operator would type "/exit" at the agent's prompt.
func (p *childPTY) stop() error {
	return p.write([]byte("/exit\r"))
}

// kill force-terminates the process group.
func (p *childPTY) kill() error {
	if p.pid <= 0 {
		return nil
	}
	return syscall.Kill(-p.pid, syscall.SIGKILL)
}

// getOutput returns the last limit captured lines (all of them if limit <= 0).
func (p *childPTY) getOutput(limit int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.lines
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]string, len(src))
	for i, l := range src {
		out[i] = l.text
	}
	return out
}

// getRawOutput returns the full buffered transcript captured so far.
func (p *childPTY) getRawOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw.String()
}
