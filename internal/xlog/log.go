// Package xlog provides a minimal, level-gated trace logger for the
// concurrent data structure packages.
//
// Nothing in this tree needs more than one kind of log line — a trace of a
// structural event (a hazard-pointer scan, a tree expansion) that a caller
// debugging contention wants to see selectively, without flooding output
// with every other subsystem's traces. So unlike a server's logger, this
// package exposes exactly one entry point, TraceIf, gated on both a level
// (TRACE) and a named subsystem ("hazard", "expand"). Both are configured
// once at process start from CONCURRENT_LOG_LEVEL and
// CONCURRENT_TRACE_SUBSYSTEMS — the library equivalent of the teacher's
// logger.Configure() reading ENTITYDB_LOG_LEVEL/ENTITYDB_TRACE_SUBSYSTEMS at
// server startup, minus the public runtime-reconfiguration API a library
// with no admin surface has no caller for.
package xlog

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity gate below which TraceIf is always a no-op.
type Level int32

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	currentLevel atomic.Int32

	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	processID = os.Getpid()

	logger *log.Logger
)

func init() {
	logger = log.New(os.Stdout, "", 0)
	currentLevel.Store(int32(INFO))
	configureFromEnv()
}

// configureFromEnv reads CONCURRENT_LOG_LEVEL and CONCURRENT_TRACE_SUBSYSTEMS
// once at init time.
func configureFromEnv() {
	if level := os.Getenv("CONCURRENT_LOG_LEVEL"); level != "" {
		setLevelByName(level)
	}
	if trace := os.Getenv("CONCURRENT_TRACE_SUBSYSTEMS"); trace != "" {
		for _, s := range strings.Split(trace, ",") {
			enableTrace(strings.TrimSpace(s))
		}
	}
}

func setLevelByName(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	}
}

func enableTrace(subsystem string) {
	if subsystem == "" {
		return
	}
	traceMutex.Lock()
	defer traceMutex.Unlock()
	traceSubsystems[subsystem] = true
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

func formatMessage(level Level, skip int, format string, args ...interface{}) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	if idx := strings.LastIndex(file, ".go"); idx != -1 {
		file = file[:idx]
	}

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		full := fn.Name()
		if idx := strings.LastIndex(full, "."); idx != -1 {
			funcName = full[idx+1:]
		}
	}

	msg := fmt.Sprintf(format, args...)
	goroutineID := currentGoroutineID()
	timestamp := time.Now().Format("2006/01/02 15:04:05.000000")
	return fmt.Sprintf("%s [%d:%d] [%s] %s.%s:%d: %s",
		timestamp, processID, goroutineID, levelNames[level], funcName, file, line, msg)
}

// currentGoroutineID extracts the calling goroutine's id from the runtime
// stack dump — the same trick package hazard uses to key its per-goroutine
// hazard records.
func currentGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(string(buf[:n]))[1]
	id := 0
	fmt.Sscanf(idField, "%d", &id)
	return id
}

// TraceIf logs a trace message for subsystem, but only if the current level
// is TRACE and subsystem was named in CONCURRENT_TRACE_SUBSYSTEMS. Callers:
// hazard.Manager.scan traces reclamation sweeps under "hazard"; Map.expand
// and Set.expand trace cooperative expansions under "expand".
func TraceIf(subsystem string, format string, args ...interface{}) {
	if Level(currentLevel.Load()) > TRACE || !isTraceEnabled(subsystem) {
		return
	}
	logger.Println(formatMessage(TRACE, 2, "[%s] %s", subsystem, fmt.Sprintf(format, args...)))
}
