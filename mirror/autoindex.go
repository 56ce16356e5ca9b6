package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NGINX autoindex (html, exact size) renders one anchor per line:
//
//	<a href="photo.png">photo.png</a>          16-Oct-2026 10:11     20480
//	<a href="docs/">docs/</a>                  16-Oct-2026 10:11         -
var (
	anchorRe   = regexp.MustCompile(`<a href="([^"]+)">`)
	autoLineRe = regexp.MustCompile(`<a href="([^"]+)">[^<]*</a>\s+(\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2})\s+(\d+|-)\s*$`)
)

const autoindexTimeLayout = "02-Jan-2006 15:04"

// ParseAutoindex extracts file entries from an NGINX autoindex HTML page.
// Parent links and directories are skipped. Any other anchor that does not
// follow the exact-size layout makes the whole listing unsupported rather
// than guessed at.
func ParseAutoindex(body []byte, base *url.URL) ([]RemoteEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return nil, fmt.Errorf("%w: json listing at html endpoint", ErrUnsupportedListing)
	}
	if !bytes.Contains(bytes.ToLower(trimmed), []byte("<html")) && !bytes.Contains(trimmed, []byte("<a href")) {
		return nil, fmt.Errorf("%w: not an html index", ErrUnsupportedListing)
	}

	var entries []RemoteEntry
	for _, line := range strings.Split(string(body), "\n") {
		am := anchorRe.FindStringSubmatch(line)
		if am == nil {
			continue
		}
		href := am[1]
		if href == "../" || strings.HasPrefix(href, "?") {
			continue
		}

		m := autoLineRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			return nil, fmt.Errorf("%w: unexpected line %q", ErrUnsupportedListing, strings.TrimSpace(line))
		}
		if strings.HasSuffix(href, "/") || m[3] == "-" {
			continue
		}

		name, err := url.PathUnescape(href)
		if err != nil {
			return nil, fmt.Errorf("%w: bad href %q", ErrUnsupportedListing, href)
		}
		size, _ := strconv.ParseInt(m[3], 10, 64)
		mtime, _ := time.Parse(autoindexTimeLayout, m[2])

		entries = append(entries, RemoteEntry{
			Name:    name,
			URL:     fileURL(base, name),
			Size:    size,
			ModTime: mtime,
		})
	}
	return entries, nil
}

// jsonListItem matches NGINX `autoindex_format json` objects.
type jsonListItem struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Mtime string `json:"mtime"`
	Size  *int64 `json:"size"`
}

// ParseJSONListing accepts either NGINX autoindex JSON (array of objects), a
// plain array of names, or an object wrapping either under "files".
func ParseJSONListing(body []byte, base *url.URL) ([]RemoteEntry, error) {
	var wrapped struct {
		Files json.RawMessage `json:"files"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &wrapped); err != nil || wrapped.Files == nil {
			return nil, fmt.Errorf("%w: json object without files", ErrUnsupportedListing)
		}
		trimmed = wrapped.Files
	}

	var names []string
	if err := json.Unmarshal(trimmed, &names); err == nil {
		entries := make([]RemoteEntry, 0, len(names))
		for _, n := range names {
			if n == "" || strings.HasSuffix(n, "/") {
				continue
			}
			entries = append(entries, RemoteEntry{Name: n, URL: fileURL(base, n), Size: -1})
		}
		return entries, nil
	}

	var items []jsonListItem
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedListing, err)
	}
	entries := make([]RemoteEntry, 0, len(items))
	for _, it := range items {
		if it.Name == "" || (it.Type != "" && it.Type != "file") {
			continue
		}
		e := RemoteEntry{Name: it.Name, URL: fileURL(base, it.Name), Size: -1}
		if it.Size != nil {
			e.Size = *it.Size
		}
		if t, err := time.Parse(time.RFC1123, it.Mtime); err == nil {
			e.ModTime = t
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// fileURL joins a filename onto the base directory URL as one escaped segment.
func fileURL(base *url.URL, name string) string {
	if base == nil {
		return ""
	}
	return base.JoinPath(name).String()
}
