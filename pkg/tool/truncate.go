package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxOutputBytes caps what a single tool result hands to the LLM.
	MaxOutputBytes = 50 * 1024
	// MaxOutputLines caps the line count the same way.
	MaxOutputLines = 2000
)

// Truncate enforces the shared output limits: oversized output keeps its
// head and tail with an elision marker in between, and the full text is
// spilled to a temp file the LLM can read with the file tools.
func Truncate(text string) (string, bool) {
	if len(text) <= MaxOutputBytes && strings.Count(text, "\n") < MaxOutputLines {
		return text, false
	}

	spillPath := spill(text)

	lines := strings.Split(text, "\n")
	if len(lines) > MaxOutputLines {
		head := lines[:MaxOutputLines*3/4]
		tail := lines[len(lines)-MaxOutputLines/4:]
		elided := len(lines) - len(head) - len(tail)
		lines = append(head, fmt.Sprintf("... [%d lines elided] ...", elided))
		lines = append(lines, tail...)
	}
	out := strings.Join(lines, "\n")

	if len(out) > MaxOutputBytes {
		headBytes := MaxOutputBytes * 3 / 4
		tailBytes := MaxOutputBytes / 4
		out = out[:headBytes] + "\n... [output truncated] ...\n" + out[len(out)-tailBytes:]
	}

	if spillPath != "" {
		out += fmt.Sprintf("\n\nFull output saved to: %s", spillPath)
	}
	return out, true
}

// spill writes the full text to a temp file, returning "" on failure.
func spill(text string) string {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sidekick-tool-%s.txt", uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return ""
	}
	return path
}
