package upstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// readEvents calls fn with the data of every server-sent event read from r.
// Multi-line data fields are joined with newlines. Event names, ids and retry
// hints are ignored. It stops early, returning nil, when fn returns false.
func readEvents(r io.Reader, maxBytes int, fn func([]byte) bool) error {
	sc := bufio.NewScanner(r)
	// The scanner accepts tokens up to the larger of maxBytes and the initial
	// capacity, so the capacity must not exceed the limit.
	sc.Buffer(make([]byte, 0, min(64*1024, maxBytes)), maxBytes)

	var data bytes.Buffer
	pending := false
	flush := func() bool {
		if !pending {
			return true
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()
		pending = false
		return fn(payload)
	}

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if !flush() {
				return nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if pending {
			data.WriteByte('\n')
		}
		data.Write(value)
		pending = true
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	flush()
	return nil
}
