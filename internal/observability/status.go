package observability

import (
	"sync"
	"time"
)

type Mode string

const (
	ModeIdle     Mode = "IDLE"
	ModeRunning  Mode = "RUNNING"
	ModeDraining Mode = "DRAINING"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentMode   Mode
	ActiveRuns    int
	QueuedRuns    int
	CurrentTask   string
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentMode:   ModeIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(mode Mode, activeRuns, queuedRuns int, currentTask string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentMode = mode
	globalStatus.ActiveRuns = activeRuns
	globalStatus.QueuedRuns = queuedRuns
	globalStatus.CurrentTask = currentTask
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (Mode, int, int, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentMode, globalStatus.ActiveRuns, globalStatus.QueuedRuns, globalStatus.CurrentTask, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
