// Package ingest discovers candidate accounts from hashtags, web search
// exports and business directory websites.
package ingest

import (
	"regexp"
	"strings"
)

// handlePattern matches profile handles in instagram.com URLs.
var handlePattern = regexp.MustCompile(`instagram\.com/([A-Za-z0-9_\.]+)`)

// reservedPaths are instagram.com path segments that are never profile
// handles.
var reservedPaths = map[string]struct{}{
	"p":        {},
	"explore":  {},
	"reel":     {},
	"reels":    {},
	"stories":  {},
	"accounts": {},
	"tv":       {},
	"about":    {},
}

// ExtractHandles returns the unique profile handles found in text,
// lower-cased, in order of first appearance.
func ExtractHandles(text string) []string {
	matches := handlePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var handles []string
	for _, m := range matches {
		handle := strings.ToLower(strings.TrimSuffix(m[1], "."))
		if handle == "" {
			continue
		}
		if _, reserved := reservedPaths[handle]; reserved {
			continue
		}
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}
