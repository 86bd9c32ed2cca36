package fetch

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers is a response header block consumed one line at a time.
type Headers struct {
	Code        int
	Description string

	fields map[string]string
	done   bool
}

// NewHeaders returns an empty header block ready for ParseLine.
func NewHeaders() *Headers {
	return &Headers{fields: make(map[string]string)}
}

// ParseLine consumes one header line. A status line ("HTTP/1.1 200 OK")
// starts a new block, discarding anything parsed before it, so interim
// responses are overwritten by the final one. A blank line ends the block.
func (h *Headers) ParseLine(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "HTTP/") {
		code, desc, err := parseStatusLine(line)
		if err != nil {
			return err
		}
		h.Code = code
		h.Description = desc
		h.fields = make(map[string]string)
		h.done = false
		return nil
	}
	if line == "" {
		h.done = true
		return nil
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		// not a header line; curl-style dumps contain the odd stray line
		return nil
	}
	h.fields[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	return nil
}

// Complete reports whether the blank line ending the block was seen.
func (h *Headers) Complete() bool { return h.done }

// Get returns the value for name, matched case-insensitively.
func (h *Headers) Get(name string) string {
	return h.fields[strings.ToLower(name)]
}

// Map returns a copy of all fields keyed by lower-cased name.
func (h *Headers) Map() map[string]string {
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out
}

// ContentLength returns the content-length header, if present and valid.
func (h *Headers) ContentLength() (int64, bool) {
	v := h.Get("content-length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ContentRangeTotal returns the total size from a "bytes a-b/total"
// content-range header. An unknown total ("*") reports false.
func (h *Headers) ContentRangeTotal() (int64, bool) {
	v := h.Get("content-range")
	if v == "" {
		return 0, false
	}
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// LastModified parses the last-modified header.
func (h *Headers) LastModified() (time.Time, bool) {
	v := h.Get("last-modified")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ETag returns the validator token exactly as the server sent it.
func (h *Headers) ETag() string { return h.Get("etag") }

// Successful reports a 2xx result.
func (h *Headers) Successful() bool { return h.Code >= 200 && h.Code < 300 }

func parseStatusLine(line string) (int, string, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", fmt.Errorf("malformed status code in %q: %w", line, err)
	}
	desc := ""
	if len(fields) == 3 {
		desc = fields[2]
	}
	return code, desc, nil
}
