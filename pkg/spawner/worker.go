// Package spawner supervises child agent CLI processes under a PTY: it
// launches them, waits for them to register with the project's daemon,
// injects their initial task, and tracks their lifecycle until release.
package spawner

import "time"

// WorkerInfo is the caller-visible projection of a worker record, without
// the PTY handle.
type WorkerInfo struct {
	Name          string    `json:"name"`
	CLI           string    `json:"cli"`
	Task          string    `json:"task"`
	Team          string    `json:"team,omitempty"`
	SpawnedAt     time.Time `json:"spawnedAt"`
	PID           int       `json:"pid"`
	LogPath       string    `json:"logPath"`
	ShadowOf      string    `json:"shadowOf,omitempty"`
	ShadowSpeakOn []string  `json:"shadowSpeakOn,omitempty"`
}

// worker is the internal record the Spawner owns exclusively: the caller
// visible info plus the PTY handle it drives.
type worker struct {
	info WorkerInfo
	pty  *childPTY
}

func (w *worker) snapshot() WorkerInfo {
	return w.info
}

// SpawnRequest is the input to Spawn.
type SpawnRequest struct {
	Name          string
	CLI           string
	Task          string
	Team          string
	ShadowOf      string
	ShadowSpeakOn []string
}

// SpawnResult mirrors the tagged success/failure result Spawn returns.
type SpawnResult struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// workersSnapshot is the on-disk shape written to workers.json.
type workersSnapshot struct {
	Workers []WorkerInfo `json:"workers"`
}
