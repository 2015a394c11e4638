//go:build windows

package isolate

import (
	"os"
)

// renameio does not support windows
func writeFileAtomic(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
