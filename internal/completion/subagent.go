package completion

import "strings"

// SubagentSkipped is stored as the notified fingerprint of skipped sessions.
const SubagentSkipped = "__subagent_skipped__"

// IsSubagent reports whether a session is a child or subagent session, and why.
// A parent id always wins; otherwise the title is matched case-insensitively
// against markers.
func IsSubagent(info SessionInfo, markers []string) (bool, string) {
	if info.HasParent() {
		return true, "parent:" + strings.TrimSpace(info.ParentID)
	}
	if !info.HasTitle() {
		return false, ""
	}
	title := strings.ToLower(info.Title)
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(title, m) {
			return true, "title:" + m
		}
	}
	return false, ""
}
