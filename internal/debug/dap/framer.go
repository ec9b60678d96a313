// Package dap implements the Debug Adapter Protocol client.
package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// MaxContentLength is the maximum allowed content length for DAP messages (10MB).
const MaxContentLength = 10 * 1024 * 1024

// maxHeaderLength bounds a header block that never terminates.
const maxHeaderLength = 4096

var (
	headerTerminator  = []byte("\r\n\r\n")
	contentLengthName = []byte("content-length:")
)

// Framer converts a raw byte stream into discrete JSON payloads and back.
//
// A Framer is not safe for concurrent use; the transport read loop owns it.
type Framer struct {
	buf  []byte
	skip int
	log  logr.Logger

	// resyncing is set while bytes are discarded in search of the next header.
	resyncing bool

	// onDrop is called for every frame that is discarded.
	onDrop func(reason string)
}

// NewFramer creates a framer that logs dropped frames to log.
func NewFramer(log logr.Logger) *Framer {
	return &Framer{log: log}
}

// Frame serializes msg and prepends its Content-Length header.
func (f *Framer) Frame(msg any) ([]byte, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return frameContent(content), nil
}

func frameContent(content []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(content)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(content))
	out = append(out, header...)
	return append(out, content...)
}

// Feed appends p to the internal buffer and returns every complete payload now available.
// Partial headers or payloads stay buffered until more input arrives.
//
// Bytes that do not belong to a frame are discarded up to the next Content-Length header,
// so stray adapter output never desynchronizes the stream.
func (f *Framer) Feed(p []byte) []json.RawMessage {
	f.buf = append(f.buf, p...)

	var out []json.RawMessage
	for len(f.buf) > 0 {
		if f.skip > 0 {
			n := min(f.skip, len(f.buf))
			f.skip -= n
			f.buf = f.buf[n:]
			if f.skip > 0 {
				break
			}
			continue
		}

		at := indexFold(f.buf, contentLengthName)
		if at < 0 {
			// Keep the trailing line, and any header lines before it, until it completes.
			keep := headerStart(f.buf, bytes.LastIndexByte(f.buf, '\n')+1)
			if len(f.buf)-keep > maxHeaderLength {
				keep = len(f.buf) - partialFold(f.buf, contentLengthName)
			}
			if keep > 0 {
				f.discard(keep)
			}
			break
		}

		if start := headerStart(f.buf, at); start > 0 {
			f.discard(start)
			at -= start
		}

		end := bytes.Index(f.buf[at:], headerTerminator)
		if end < 0 {
			if len(f.buf) > maxHeaderLength {
				f.drop("header block too long", "length", len(f.buf))
				f.resync(at)
				continue
			}
			break
		}
		end += at

		header := string(f.buf[:end])
		bodyStart := end + len(headerTerminator)

		length, err := parseContentLength(header)
		if err != nil {
			f.drop("invalid header block", "header", header, "error", err.Error())
			f.resync(at)
			continue
		}
		f.resyncing = false

		if length > MaxContentLength {
			f.drop("content length exceeds maximum", "length", length, "max", MaxContentLength)
			f.buf = f.buf[bodyStart:]
			f.skip = length
			continue
		}

		if len(f.buf) < bodyStart+length {
			break
		}

		content := make([]byte, length)
		copy(content, f.buf[bodyStart:bodyStart+length])
		f.buf = f.buf[bodyStart+length:]

		if !json.Valid(content) {
			f.drop("payload is not valid JSON", "length", length)
			continue
		}
		out = append(out, content)
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}

// discard drops the first n buffered bytes. Only the first run of stray bytes after a
// good frame is reported.
func (f *Framer) discard(n int) {
	if !f.resyncing {
		f.drop("stray bytes before header", "length", n)
		f.resyncing = true
	}
	f.buf = f.buf[n:]
}

// resync skips past the Content-Length header at position at so the search continues
// with the next one.
func (f *Framer) resync(at int) {
	f.buf = f.buf[at+len(contentLengthName):]
	f.resyncing = true
}

func (f *Framer) drop(reason string, keysAndValues ...any) {
	f.log.Info("Dropping inbound DAP frame: "+reason, keysAndValues...)
	if f.onDrop != nil {
		f.onDrop(reason)
	}
}

// indexFold returns the index of the first case-insensitive occurrence of name in buf, or -1.
func indexFold(buf, name []byte) int {
	for i := 0; i+len(name) <= len(buf); i++ {
		if bytes.EqualFold(buf[i:i+len(name)], name) {
			return i
		}
	}
	return -1
}

// partialFold returns the length of the longest suffix of buf that starts name.
func partialFold(buf, name []byte) int {
	for n := min(len(buf), len(name)-1); n > 0; n-- {
		if bytes.EqualFold(buf[len(buf)-n:], name[:n]) {
			return n
		}
	}
	return 0
}

// headerStart walks back from the line starting at i over the "Name: value" lines directly
// before it and returns where that header block begins.
func headerStart(buf []byte, i int) int {
	for i > 0 && buf[i-1] == '\n' {
		prev := bytes.LastIndexByte(buf[:i-1], '\n') + 1
		line := bytes.TrimSuffix(buf[prev:i-1], []byte("\r"))
		if len(line) == 0 || bytes.IndexByte(line, ':') < 0 {
			break
		}
		i = prev
	}
	return i
}

// parseContentLength finds the Content-Length header in a header block.
// Other headers (Content-Type) and lines that are not headers are ignored.
func parseContentLength(block string) (int, error) {
	length := -1
	for _, line := range strings.Split(block, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		if length >= 0 {
			return 0, fmt.Errorf("duplicate content-length header")
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid content-length: %q", value)
		}
		length = n
	}
	if length < 0 {
		return 0, fmt.Errorf("missing Content-Length header")
	}
	return length, nil
}
