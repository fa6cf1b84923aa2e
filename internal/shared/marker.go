package shared

import "strings"

// ReplyMarker is appended to text the relay posts back to a provider so
// that the resulting comment event is recognised and skipped.
const ReplyMarker = "<!-- gorelay -->"

func HasReplyMarker(text string) bool {
	return strings.Contains(text, ReplyMarker)
}
