package proxy

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const defaultHTTPPort = 80

// parsedRequest is what parseRequest extracts from the client's request
// buffer per §4.3 step 2.
type parsedRequest struct {
	host       string
	port       int
	requestURI string // the original absolute-URI, if any, for blacklist matching
}

// requestHeaderEnd reports the offset just past "\r\n\r\n" in buf, or -1 if
// the terminator has not yet arrived.
func requestHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

// parseRequest validates method/version/Host and extracts the upstream
// host:port per §4.3 step 2. buf holds exactly the request line + headers
// (terminator included).
func parseRequest(buf []byte) (parsedRequest, error) {
	text := string(buf)
	lines := strings.Split(text, "\r\n")
	if len(lines) < 1 {
		return parsedRequest{}, ErrMalformedRequest
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return parsedRequest{}, ErrMalformedRequest
	}
	method, target, version := fields[0], fields[1], fields[2]
	if method != "GET" {
		return parsedRequest{}, ErrUnsupportedMethod
	}
	if !strings.Contains(version, "HTTP/1.0") {
		return parsedRequest{}, ErrUnsupportedVersion
	}

	var hostHeader string
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Host") {
			hostHeader = strings.TrimSpace(value)
		}
	}
	if hostHeader == "" {
		return parsedRequest{}, ErrMissingHost
	}

	pr := parsedRequest{}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return parsedRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		if !strings.EqualFold(u.Host, hostHeader) {
			return parsedRequest{}, ErrHostMismatch
		}
		pr.requestURI = target
	}

	host, portStr := hostHeader, ""
	if idx := strings.LastIndex(hostHeader, ":"); idx >= 0 {
		host, portStr = hostHeader[:idx], hostHeader[idx+1:]
	}
	port := defaultHTTPPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return parsedRequest{}, fmt.Errorf("%w: bad port", ErrMalformedRequest)
		}
		port = p
	}
	pr.host, pr.port = host, port
	return pr, nil
}
