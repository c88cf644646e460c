// Package cgroup applies per-service resource caps by writing to the
// kernel cgroup filesystem. The cgroup itself must already exist; the
// controller only writes limit values and process membership.
package cgroup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Controller writes memory and CPU caps for a spawned child into a
// shared cgroup under Root. Writes are best-effort by default: cgroup
// availability is environment-dependent and must not block boot. With
// Strict set, the first failed write is returned to the caller.
type Controller struct {
	Root   string // cgroup filesystem root, normally /sys/fs/cgroup
	Group  string // cgroup name shared by all children
	Strict bool
	Logger *slog.Logger
}

func New(root, group string, strict bool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Root: root, Group: group, Strict: strict, Logger: logger}
}

// MemoryLimitPath returns the memory-limit file for the shared group.
func (c *Controller) MemoryLimitPath() string {
	return filepath.Join(c.Root, "memory", c.Group, "memory.limit_in_bytes")
}

// CPUQuotaPath returns the CPU quota file for the shared group.
func (c *Controller) CPUQuotaPath() string {
	return filepath.Join(c.Root, "cpu", c.Group, "cpu.cfs_quota_us")
}

// ProcsPath returns the process-membership file for the shared group.
func (c *Controller) ProcsPath() string {
	return filepath.Join(c.Root, "memory", c.Group, "cgroup.procs")
}

// Apply caps pid with the declared limits. A memBytes or cpuPercent of
// zero means no cap for that resource. The CPU quota is written in
// microseconds per 100 ms period.
func (c *Controller) Apply(pid int, memBytes int64, cpuPercent int) error {
	if memBytes > 0 {
		if err := c.write(c.MemoryLimitPath(), strconv.FormatInt(memBytes, 10)); err != nil {
			if c.Strict {
				return fmt.Errorf("memory limit for pid %d: %w", pid, err)
			}
			c.Logger.Warn("cgroup memory limit write failed", "pid", pid, "err", err)
		}
	}
	if cpuPercent > 0 {
		quota := strconv.Itoa(cpuPercent * 10_000)
		if err := c.write(c.CPUQuotaPath(), quota); err != nil {
			if c.Strict {
				return fmt.Errorf("cpu quota for pid %d: %w", pid, err)
			}
			c.Logger.Warn("cgroup cpu quota write failed", "pid", pid, "err", err)
		}
	}
	if err := c.appendProc(pid); err != nil {
		if c.Strict {
			return fmt.Errorf("cgroup membership for pid %d: %w", pid, err)
		}
		c.Logger.Warn("cgroup membership write failed", "pid", pid, "err", err)
	}
	return nil
}

func (c *Controller) write(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func (c *Controller) appendProc(pid int) error {
	f, err := os.OpenFile(c.ProcsPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(pid))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
