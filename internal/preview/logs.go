package preview

import (
	"bufio"
	"io"
	"log/slog"
)

// pumpLogs copies process output line by line into the structured log.
func pumpLogs(r io.ReadCloser, logger *slog.Logger) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("preview output", "line", scanner.Text())
	}
}
