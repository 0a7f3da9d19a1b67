package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/synapsehq/synapse/pkg/workspace"
)

// memoryReminderAfter is the number of consecutive working turns the memory
// files may stay untouched before the agent gets a nudge to write things down.
const memoryReminderAfter = 3

// memoryTracker watches the memory files across turns. Only productive and
// ok turns count against the reminder: a stalled agent has nothing to record.
type memoryTracker struct {
	lastHash  string
	unchanged int
}

// Observe hashes the memory files after a turn and reports whether the next
// prompt should carry the update reminder.
func (m *memoryTracker) Observe(root string, c Class) bool {
	h := hashMemory(root)
	if h != m.lastHash {
		m.lastHash = h
		m.unchanged = 0
		return false
	}
	if !c.Productive() {
		return false
	}
	m.unchanged++
	return m.unchanged >= memoryReminderAfter
}

func hashMemory(root string) string {
	sum := sha256.New()
	for _, name := range []string{workspace.ShortTermMemoryFile, workspace.LongTermMemoryFile} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		sum.Write([]byte(name))
		sum.Write(data)
	}
	return hex.EncodeToString(sum.Sum(nil))
}
