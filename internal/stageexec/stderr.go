package stageexec

import (
	"encoding/json"
	"strings"
)

// workerMessage pulls the most recent error out of a worker's JSON log tail,
// falling back to the last raw line.
func workerMessage(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			continue
		}
		if msg, ok := entry["error"].(string); ok && msg != "" {
			return msg
		}
	}
	if line := lastLine(stderr); line != "" {
		return line
	}
	return "worker exited with an error"
}
