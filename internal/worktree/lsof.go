package worktree

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// hasLiveProcessCWDLsof shells out to `lsof +D <dir>`, which lists open
// file descriptors (including a process's cwd) rooted under dir. There is
// no portable /proc equivalent on BSD/macOS, so this delegates to the
// platform tool the way original_source/worktree_safety.py does.
func hasLiveProcessCWDLsof(worktree string) bool {
	out, err := exec.Command("lsof", "+D", worktree).Output()
	if err != nil {
		return false
	}
	self := strconv.Itoa(os.Getpid())
	lines := strings.Split(string(out), "\n")
	for _, line := range lines[1:] { // header line first
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == self {
			continue
		}
		return true
	}
	return false
}
