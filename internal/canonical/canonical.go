package canonical

import (
	"net/url"
	"strings"

	"timetable-sync/internal/domain"
)

// Normalize collapses superficially different spellings of the same source
// URL into one canonical key: lowercased scheme and host, default ports
// stripped, query and fragment dropped, trailing slash trimmed. It runs once,
// server-side, so two clients naming the same document land on one row.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrInvalidKey
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", domain.ErrInvalidKey
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", domain.ErrInvalidKey
	}
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" {
		return "", domain.ErrInvalidKey
	}
	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if path == "/" {
		path = ""
	}
	return scheme + "://" + host + path, nil
}
