package supervisor

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// tailWindow is how far back from the end of the log TailLines reads.
const tailWindow = 64 << 10

// TailLines returns up to n trailing lines of the file at p. A missing file
// yields no lines and no error. Only the last tailWindow bytes are read; a
// line longer than that comes back truncated to its tail.
func TailLines(p string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	off := int64(0)
	if size > tailWindow {
		off = size - tailWindow
	}
	buf := make([]byte, size-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}
	return splitTail(buf, off > 0, n), nil
}

// splitTail splits window into lines and keeps the last n. When cut is set
// the window starts mid-file and its first line is partial; it is dropped
// unless it is the only line.
func splitTail(window []byte, cut bool, n int) []string {
	window = bytes.TrimSuffix(window, []byte("\n"))
	if len(window) == 0 {
		return nil
	}
	parts := bytes.Split(window, []byte("\n"))
	if cut && len(parts) > 1 {
		parts = parts[1:]
	}
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	out := make([]string, len(parts))
	for i, b := range parts {
		out[i] = string(bytes.TrimSuffix(b, []byte("\r")))
	}
	return out
}
