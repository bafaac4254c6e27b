//go:build linux

package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type runCgroup struct {
	path string
}

func createRunCgroup(root string) (*runCgroup, error) {
	path := filepath.Join(root, "run-"+uuid.NewString())
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	return &runCgroup{path: path}, nil
}

func (c *runCgroup) applyLimits(memoryBytes, pids int64) error {
	if memoryBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(memoryBytes, 10)); err != nil {
			return err
		}
		// Without swap the OOM killer fires at memory.max.
		_ = c.write("memory.swap.max", "0")
	}
	if pids > 0 {
		if err := c.write("pids.max", strconv.FormatInt(pids, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (c *runCgroup) addProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

func (c *runCgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

func (c *runCgroup) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (c *runCgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// remove uses rmdir: cgroupfs rejects unlinking the control files.
func (c *runCgroup) remove(ctx context.Context) {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		logger.Warn(ctx, "remove cgroup failed", zap.String("cgroup", c.path), zap.Error(err))
	}
}
