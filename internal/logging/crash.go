package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the number of crash reports kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is how long a crash report is kept.
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"
)

// CrashLogInfo describes one crash report file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// CrashStore reads and writes crash reports in one directory.
type CrashStore struct {
	Dir string
}

// CrashLogDir returns the platform directory for crash reports.
func CrashLogDir() string {
	if dir := os.Getenv("CALYPSO_AGENT_CRASH_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "Calypso-Agent")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData, _ = os.UserHomeDir()
		}
		return filepath.Join(appData, "Calypso-Agent", "logs")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "calypso-agent", "logs")
	}
}

func defaultCrashStore() CrashStore {
	return CrashStore{Dir: CrashLogDir()}
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// Write stores a crash report and prunes old ones. It returns the file path.
func (s CrashStore) Write(panicValue any, stack []byte, context string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}
	now := time.Now()
	path := filepath.Join(s.Dir, crashPrefix+now.Format("2006-01-02_15-04-05.000")+crashSuffix)

	var b strings.Builder
	fmt.Fprintf(&b, "Calypso Agent crash report\n")
	fmt.Fprintf(&b, "time:     %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "context:  %s\n", context)
	fmt.Fprintf(&b, "go:       %s %s/%s\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "panic: %v\n\n%s\n", panicValue, stack)
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "\n%s", info.String())
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}
	s.Cleanup(now)
	return path, nil
}

// List returns up to limit crash reports, newest first.
func (s CrashStore) List(limit int) ([]CrashLogInfo, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}
	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		e := entries[i]
		if e.IsDir() || !isCrashLog(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    e.Name(),
			Path:    filepath.Join(s.Dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// Read returns the content of a crash report. name must be a bare file name.
func (s CrashStore) Read(name string) (string, error) {
	if filepath.Base(name) != name || !isCrashLog(name) {
		return "", fmt.Errorf("invalid crash log name %q", name)
	}
	content, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Cleanup keeps the newest MaxCrashLogs reports younger than CrashLogMaxAge.
func (s CrashStore) Cleanup(now time.Time) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCrashLog(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	for i, name := range names {
		path := filepath.Join(s.Dir, name)
		expired := false
		if info, err := os.Stat(path); err == nil {
			expired = now.Sub(info.ModTime()) > CrashLogMaxAge
		}
		if len(names)-i > MaxCrashLogs || expired {
			_ = os.Remove(path)
		}
	}
}

// GetCrashLogs lists crash reports from the default directory.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	return defaultCrashStore().List(limit)
}

// ReadCrashLog reads a crash report from the default directory.
func ReadCrashLog(name string) (string, error) {
	return defaultCrashStore().Read(name)
}

// RecoverAndLog recovers a panic, reports it and writes a crash file.
// Use as: defer logging.RecoverAndLog("context", false)
func RecoverAndLog(context string, rePanic bool) {
	r := recover()
	if r == nil {
		return
	}
	ReportPanic(r, context)
	if rePanic {
		panic(r)
	}
}

// ReportPanic reports a recovered panic and writes a crash file, returning
// its path or "" when the file could not be written.
func ReportPanic(r any, context string) string {
	stack := debug.Stack()
	CapturePanic(r, stack, context)
	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})
	path, err := defaultCrashStore().Write(r, stack, context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		return ""
	}
	fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", path)
	return path
}
