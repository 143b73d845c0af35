package tcpconn

import (
	"bytes"
	"strings"
)

// sniffWindow bounds how many bytes of the first accepted buffer are
// inspected, per spec.md §4.7.9.
const sniffWindow = 160

// SniffHost performs a best-effort, cosmetic-only extraction of an HTTP
// Host from the first bytes of a freshly accepted TCP buffer. It never
// fails loudly: any shape it doesn't recognize yields "". It must only be
// called once, on the very first buffer read from a given endpoint, and
// only when the configured protocol is "http".
func SniffHost(buf []byte) string {
	if len(buf) > sniffWindow {
		buf = buf[:sniffWindow]
	}

	firstLine, rest, hasLine := cutLine(buf)
	if !hasLine {
		return ""
	}

	if host := hostFromRequestLine(firstLine); host != "" {
		return host
	}

	secondLine, _, _ := cutLine(rest)
	return hostFromHeaderLine(secondLine)
}

func cutLine(buf []byte) (line, rest []byte, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, nil, false
	}
	line = buf[:idx]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, buf[idx+1:], true
}

// hostFromRequestLine extracts the request-URI from a line like
// "GET http://example.com/path HTTP/1.1" and reduces it to a bare host.
func hostFromRequestLine(line []byte) string {
	s := string(line)
	httpIdx := strings.Index(s, " HTTP/")
	if httpIdx < 0 {
		return ""
	}
	prefix := s[:httpIdx]

	firstSpace := strings.IndexByte(prefix, ' ')
	if firstSpace < 0 {
		return ""
	}
	uri := strings.TrimSpace(prefix[firstSpace+1:])
	if uri == "" {
		return ""
	}

	if idx := strings.Index(uri, "://"); idx >= 0 {
		uri = uri[idx+len("://"):]
	} else {
		return ""
	}

	if idx := strings.IndexAny(uri, "/ "); idx >= 0 {
		uri = uri[:idx]
	}
	return uri
}

// hostFromHeaderLine extracts the value of a case-insensitive "Host:"
// header line.
func hostFromHeaderLine(line []byte) string {
	s := string(line)
	const prefix = "host:"
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(s[len(prefix):])
}
