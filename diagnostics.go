package isolate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// writeDiagnostics writes a report of the error that terminated iso, if a
// diagnostics directory is configured. Failures are logged.
func (rt *Runtime) writeDiagnostics(iso *Isolate, cause error) {
	dir := rt.opts.diagnosticsDir
	if dir == "" {
		return
	}
	path := filepath.Join(dir, diagnosticsFileName(iso))
	if err := writeFileAtomic(path, formatDiagnostics(iso, cause, time.Now())); err != nil {
		rt.logger.Err().Str(`path`, path).Err(err).Log(`isolate: failed to write diagnostics`)
		return
	}
	rt.logger.Info().Str(`path`, path).Log(`isolate: wrote diagnostics`)
}

func diagnosticsFileName(iso *Isolate) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, iso.name)
	return fmt.Sprintf("isolate-%s-%d.txt", name, iso.id)
}

func formatDiagnostics(iso *Isolate, cause error, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "isolate: %s\n", iso.name)
	fmt.Fprintf(&b, "id: %d\n", iso.id)
	fmt.Fprintf(&b, "time: %s\n", now.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "kind: %s\n", classify(cause))
	fmt.Fprintf(&b, "exit code: %d\n", ExitCode(cause))
	fmt.Fprintf(&b, "error: %v\n", cause)
	normal, oob := iso.handler.QueueLengths()
	fmt.Fprintf(&b, "queued: %d normal, %d oob\n", normal, oob)
	var u *UnhandledException
	if errors.As(cause, &u) && u.Stack != "" {
		b.WriteString("\n")
		b.WriteString(u.Stack)
		if !strings.HasSuffix(u.Stack, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}
