package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	PID      int
	Identity string
	Path     string
}

func (e *LockHeldError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("session lock held by PID %d for identity %q (%s)", e.PID, e.Identity, e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Info is the content of a lock file.
type Info struct {
	PID      int
	Identity string
	Since    time.Time
	Running  bool
}

// Lock represents an acquired session lock file. While held, no other
// process opens a push channel for the session.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to acquire an exclusive lock on the session directory
// and records the PID and push identity in it. Returns LockHeldError if
// another process already holds it.
func Acquire(sessionDir, identity string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, "LOCK")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		// Read existing PID from file for diagnostics.
		data, _ := os.ReadFile(lockPath)
		info := parse(string(data))
		_ = f.Close()
		return nil, &LockHeldError{PID: info.PID, Identity: info.Identity, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nidentity=%s\ntime=%s\n",
		os.Getpid(), identity, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Inspect reads the session's lock file without taking it. ok is false when
// there is no lock file.
func Inspect(sessionDir string) (info Info, ok bool, err error) {
	lockPath := filepath.Join(sessionDir, "LOCK")
	f, err := os.Open(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, err
	}
	defer f.Close()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}, false, err
	}
	info = parse(string(data))
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		info.Running = true
	} else {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}
	return info, true, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parse(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "identity":
			info.Identity = value
		case "time":
			info.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info
}
