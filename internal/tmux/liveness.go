package tmux

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// childrenOf returns the immediate child PIDs of pid by scanning
// /proc/*/stat, which is portable across the Linux process table without
// requiring an external `pgrep`/`ps` dependency.
func childrenOf(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var children []int
	for _, e := range entries {
		childPID, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, ok := parentPID(childPID)
		if ok && ppid == pid {
			children = append(children, childPID)
		}
	}
	return children
}

func parentPID(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// Format: pid (comm) state ppid ...  — comm may itself contain spaces or
	// parens, so split on the last ')' rather than naive field indexing.
	s := string(data)
	idx := strings.LastIndex(s, ")")
	if idx == -1 || idx+2 >= len(s) {
		return 0, false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

func commOf(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// HasDescendantNamed reports whether any child or grandchild of rootPID
// matches workerName (by /proc/<pid>/comm). Liveness of the worker process
// underneath a session is determined this way rather than trusting the
// pane's shell PID alone, since the shell outlives a worker that has
// crashed (spec §4.2).
func HasDescendantNamed(rootPID int, workerName string) bool {
	frontier := childrenOf(rootPID)
	seen := map[int]bool{rootPID: true}
	for depth := 0; depth < 2 && len(frontier) > 0; depth++ {
		var next []int
		for _, pid := range frontier {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			if commOf(pid) == workerName {
				return true
			}
			next = append(next, childrenOf(pid)...)
		}
		frontier = next
	}
	return false
}
