package claim

import (
	"os"
	"strconv"
	"strings"
)

func osReadDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

// issueNumberFromLockDirName parses "issue-<N>.lock" back into N.
func issueNumberFromLockDirName(e os.DirEntry) (int, bool) {
	if !e.IsDir() {
		return 0, false
	}
	name := e.Name()
	if !strings.HasPrefix(name, "issue-") || !strings.HasSuffix(name, ".lock") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "issue-"), ".lock")
	n, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return n, true
}
