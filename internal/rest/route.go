package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/danmuck/gatectl/internal/rest/ratelimit"
)

// majorParams are the placeholders whose value splits a route into separate
// remote buckets.
var majorParams = map[string]string{
	"channels": "{channel.id}",
	"guilds":   "{guild.id}",
	"webhooks": "{webhook.id}",
}

// Route is a method plus path template such as /channels/{channel.id}/messages.
type Route struct {
	Method   string
	Template string
}

func NewRoute(method, template string) Route {
	return Route{Method: strings.ToUpper(method), Template: template}
}

// Path fills the template's placeholders in order.
func (r Route) Path(args ...string) (string, error) {
	var b strings.Builder
	rest := r.Template
	i := 0
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("rest: unterminated placeholder in %q", r.Template)
		}
		if i >= len(args) {
			return "", fmt.Errorf("rest: route %q wants more than %d args", r.Template, len(args))
		}
		b.WriteString(rest[:open])
		b.WriteString(args[i])
		i++
		rest = rest[open+end+1:]
	}
	if i != len(args) {
		return "", fmt.Errorf("rest: route %q takes %d args, got %d", r.Template, i, len(args))
	}
	return b.String(), nil
}

// Request builds a request for the filled template.
func (r Route) Request(args ...string) (Request, error) {
	path, err := r.Path(args...)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: r.Method, Path: path}, nil
}

// KeyForPath derives the bucket key of a literal path. Identifiers collapse into
// placeholders so /channels/1/messages/2 and /channels/1/messages/3 share a
// bucket, while the first channel, guild or webhook id stays as the major value.
func KeyForPath(method, path string) ratelimit.Key {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	major := ""
	for i, seg := range segs {
		if i == 0 {
			continue
		}
		prev := segs[i-1]
		switch {
		case isSnowflake(seg):
			if tmpl, ok := majorParams[prev]; ok && major == "" {
				major = seg
				segs[i] = tmpl
				continue
			}
			segs[i] = "{id}"
		case prev == "reactions":
			segs[i] = "{emoji}"
		case i >= 2 && segs[i-2] == "webhooks" && segs[i-1] == "{webhook.id}":
			segs[i] = "{webhook.token}"
		}
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	return ratelimit.Key{Route: method + " /" + strings.Join(segs, "/"), Major: major}
}

func isSnowflake(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
