package session

import (
	"bytes"
	"io"
	"os"
)

const (
	tailChunkSize = 8 << 10
	tailMaxBytes  = 1 << 20
)

// readTail returns up to n non-empty trailing lines of path, reading backwards
// from EOF. At most tailMaxBytes are read; a line cut by that cap is dropped.
func readTail(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return nil, nil
	}

	var buf []byte
	offset := size
	truncated := false
	for offset > 0 {
		chunk := int64(tailChunkSize)
		if chunk > offset {
			chunk = offset
		}
		if int64(len(buf))+chunk > tailMaxBytes {
			chunk = tailMaxBytes - int64(len(buf))
			if chunk <= 0 {
				truncated = true
				break
			}
		}
		offset -= chunk

		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(part, buf...)

		// One extra newline guarantees the oldest kept line is complete.
		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}
	if offset > 0 {
		truncated = true
	}

	raw := bytes.Split(buf, []byte{'\n'})
	if truncated && len(raw) > 0 {
		raw = raw[1:]
	}

	lines := make([][]byte, 0, n)
	for i := len(raw) - 1; i >= 0 && len(lines) < n; i-- {
		line := bytes.TrimSpace(raw[i])
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	// Restore file order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
