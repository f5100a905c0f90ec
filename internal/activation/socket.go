package activation

import (
	"path/filepath"
)

// maxStartupInfo bounds the JSON startup record carried in one message.
const maxStartupInfo = 16 << 10

// SocketPath is where a SocketRegistry listens for id under dir.
func SocketPath(dir string, id ID) string {
	return filepath.Join(dir, id.fileName()+".sock")
}
