package proxy

import (
	"bytes"
	"strconv"
	"strings"
)

// chunkedTerminator marks end-of-body for HTTP/1.0 chunked responses.
const chunkedTerminator = "\r\n0\r\n\r\n"

// responseFraming describes how to recognize the end of the response body
// per §4.3 step 6, resolved once the response header block has arrived.
type responseFraming struct {
	headerLength  int
	contentLength int  // -1 if no Content-Length header
	chunked       bool // Transfer-Encoding: chunked present
}

// parseResponseHeader extracts framing info from buf once a full header
// block ("\r\n\r\n") is present; ok is false until then.
func parseResponseHeader(buf []byte) (responseFraming, bool) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return responseFraming{}, false
	}
	f := responseFraming{headerLength: idx + 4, contentLength: -1}
	headerBlock := string(buf[:idx])
	for _, line := range strings.Split(headerBlock, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(name, "Content-Length"):
			if n, err := strconv.Atoi(value); err == nil {
				f.contentLength = n
			}
		case strings.EqualFold(name, "Transfer-Encoding"):
			if strings.EqualFold(value, "chunked") {
				f.chunked = true
			}
		}
	}
	return f, true
}

// responseComplete reports whether buf[:used] is a complete response given
// framing f, correctly checked against the *response* buffer — §9 flags
// the source's variant of this check comparing against the request
// buffer's used size as "clearly a bug"; this is the corrected version.
func responseComplete(f responseFraming, used int, buf []byte) bool {
	switch {
	case f.contentLength >= 0:
		return used >= f.headerLength+f.contentLength
	case f.chunked:
		return bytes.Contains(buf[f.headerLength:used], []byte(chunkedTerminator))
	default:
		return false // only "upstream closed" completes an unframed response
	}
}
