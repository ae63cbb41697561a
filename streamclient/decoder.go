package streamclient

import (
	"bytes"
	"strings"
)

// frameDecoder splits a line-oriented stream into data payloads. It keeps
// the trailing partial line between feeds, so a frame torn across two
// network reads is reassembled instead of dropped.
type frameDecoder struct {
	buf []byte
}

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// frame is one decoded payload. done marks the end-of-stream sentinel.
type frame struct {
	payload string
	done    bool
}

// feed consumes one chunk of bytes and returns the complete frames it
// finished. Lines without the data prefix (comments, event names, blank
// keep-alives) are skipped.
func (d *frameDecoder) feed(p []byte) []frame {
	d.buf = append(d.buf, p...)

	var frames []frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return frames
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]

		if f, ok := decodeLine(line); ok {
			frames = append(frames, f)
			if f.done {
				return frames
			}
		}
	}
}

// flush decodes whatever is left after the stream ends. A final data line
// without a trailing newline still counts.
func (d *frameDecoder) flush() []frame {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if f, ok := decodeLine(line); ok {
		return []frame{f}
	}
	return nil
}

func decodeLine(line string) (frame, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return frame{}, false
	}
	payload := line[len(dataPrefix):]
	if strings.TrimSpace(payload) == doneSentinel {
		return frame{done: true}, true
	}
	return frame{payload: payload}, true
}
