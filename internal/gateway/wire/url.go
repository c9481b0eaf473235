package wire

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GatewayURL appends version, encoding and compression query parameters to base.
func GatewayURL(base string, version int, compression Compression) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("wire: gateway url required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("wire: parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("wire: unsupported gateway scheme %q", u.Scheme)
	}
	q := u.Query()
	if version > 0 {
		q.Set("v", strconv.Itoa(version))
	}
	q.Set("encoding", "json")
	if compression == CompressionZlibStream {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
