// Package splitter turns one raw content blob into ordered step segments.
// Content is multi-step only when a literal delimiter run separates at
// least two non-empty segments; anything else is a single atomic payload.
package splitter

import "strings"

// Delimiter is the literal token that separates steps inside raw content.
const Delimiter = "--------"

// Split breaks raw content on the delimiter, trims each segment, and drops
// empty ones. It returns nil unless at least two non-empty segments remain,
// in which case the content is multi-step. Splitting is idempotent: the
// same input always yields the same segments.
func Split(content string) []string {
	if !strings.Contains(content, Delimiter) {
		return nil
	}
	parts := strings.Split(content, Delimiter)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		segments = append(segments, trimmed)
	}
	if len(segments) < 2 {
		return nil
	}
	return segments
}
