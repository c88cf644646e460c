package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Declaration is one parsed inittab line: a service to run at a given
// runlevel. Services are identified by their command path.
type Declaration struct {
	Runlevel         int
	Command          string
	Dependencies     []string
	MemoryLimitBytes int64
	CPUQuotaPercent  int
}

// Equal reports whether two declarations are identical. Reload uses it
// to leave running services untouched when their lines did not change.
func (d Declaration) Equal(o Declaration) bool {
	if d.Runlevel != o.Runlevel || d.Command != o.Command ||
		d.MemoryLimitBytes != o.MemoryLimitBytes || d.CPUQuotaPercent != o.CPUQuotaPercent {
		return false
	}
	if len(d.Dependencies) != len(o.Dependencies) {
		return false
	}
	for i := range d.Dependencies {
		if d.Dependencies[i] != o.Dependencies[i] {
			return false
		}
	}
	return true
}

// ParseInittab reads the inittab at path. Malformed lines are skipped
// and reported through warn; the remaining declarations are returned in
// file order.
//
// Line schema:
//
//	<runlevel:int> <command:abs-path> <deps:comma-list-or-"-"> <mem_bytes:int> <cpu_pct:int>
//
// Lines starting with '#' and blank lines are ignored.
func ParseInittab(path string, warn func(line int, msg string)) ([]Declaration, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open inittab %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return parseInittab(f, warn)
}

func parseInittab(r io.Reader, warn func(line int, msg string)) ([]Declaration, error) {
	if warn == nil {
		warn = func(int, string) {}
	}
	var decls []Declaration
	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := parseLine(line)
		if err != nil {
			warn(lineNum, err.Error())
			continue
		}
		decls = append(decls, d)
	}
	if err := sc.Err(); err != nil {
		return decls, fmt.Errorf("read inittab: %w", err)
	}
	return decls, nil
}

func parseLine(line string) (Declaration, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return Declaration{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	runlevel, err := strconv.Atoi(fields[0])
	if err != nil || runlevel < 0 {
		return Declaration{}, fmt.Errorf("invalid runlevel %q", fields[0])
	}
	command := fields[1]
	if !filepath.IsAbs(command) {
		return Declaration{}, fmt.Errorf("command %q is not an absolute path", command)
	}
	var deps []string
	if fields[2] != "-" {
		for _, dep := range strings.Split(fields[2], ",") {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				return Declaration{}, fmt.Errorf("empty dependency in %q", fields[2])
			}
			deps = append(deps, dep)
		}
	}
	mem, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || mem < 0 {
		return Declaration{}, fmt.Errorf("invalid memory limit %q", fields[3])
	}
	cpu, err := strconv.Atoi(fields[4])
	if err != nil || cpu < 0 || cpu > 100 {
		return Declaration{}, fmt.Errorf("invalid cpu quota %q", fields[4])
	}
	return Declaration{
		Runlevel:         runlevel,
		Command:          command,
		Dependencies:     deps,
		MemoryLimitBytes: mem,
		CPUQuotaPercent:  cpu,
	}, nil
}
