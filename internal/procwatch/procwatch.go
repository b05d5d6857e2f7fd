// Package procwatch checks that the external capture process is still up.
package procwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mikeyg42/sentinel/internal/config"
)

// Checker reports whether the watched process is running.
type Checker interface {
	Alive(ctx context.Context) (bool, error)
	String() string
}

// New returns the checker selected by cfg, or nil when no capture process
// is configured.
func New(cfg config.SupervisorConfig) Checker {
	switch {
	case cfg.CapturePIDFile != "":
		return &PIDFile{Path: cfg.CapturePIDFile}
	case cfg.CaptureProcessName != "":
		return &Name{Name: cfg.CaptureProcessName}
	default:
		return nil
	}
}

// PIDFile probes the pid written in Path. A missing file means the process
// is not running.
type PIDFile struct {
	Path string
}

func (p *PIDFile) String() string { return "pidfile:" + p.Path }

func (p *PIDFile) Alive(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("pid file %s: invalid pid %q", p.Path, strings.TrimSpace(string(raw)))
	}
	return PIDAlive(ctx, pid), nil
}

// PIDAlive sends signal 0 to pid. EPERM means the process exists but
// belongs to another user.
func PIDAlive(ctx context.Context, pid int) bool {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	err = proc.SendSignalWithContext(ctx, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Name matches running processes by exact, case-insensitive name.
type Name struct {
	Name string
}

func (n *Name) String() string { return "name:" + n.Name }

func (n *Name) Alive(ctx context.Context) (bool, error) {
	pids, err := FindByName(ctx, n.Name)
	if err != nil {
		return false, err
	}
	for _, pid := range pids {
		if PIDAlive(ctx, pid) {
			return true, nil
		}
	}
	return false, nil
}

// FindByName returns PIDs of processes whose name equals name.
func FindByName(ctx context.Context, name string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var found []int
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue // exited
		}
		if strings.EqualFold(pname, name) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}
