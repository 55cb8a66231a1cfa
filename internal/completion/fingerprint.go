package completion

import (
	"strconv"
	"strings"
)

const (
	fingerprintTail     = 5
	fingerprintGroupSep = "::"
	fingerprintItemSep  = "|"
)

// Fingerprint encodes the message count, the id:role pairs of the last five
// messages, and every todo's content:status. It is only compared for
// equality.
func Fingerprint(msgs []Message, todos []Todo) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(msgs)))
	b.WriteString(fingerprintGroupSep)

	start := len(msgs) - fingerprintTail
	if start < 0 {
		start = 0
	}
	for i, m := range msgs[start:] {
		if i > 0 {
			b.WriteString(fingerprintItemSep)
		}
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(m.Role)
	}

	b.WriteString(fingerprintGroupSep)
	for i, t := range todos {
		if i > 0 {
			b.WriteString(fingerprintItemSep)
		}
		b.WriteString(t.Content)
		b.WriteByte(':')
		b.WriteString(t.Status)
	}
	return b.String()
}

// ShouldFinalize reports whether two snapshots agree and differ from what was
// last reported.
func ShouldFinalize(a, b, prev string) bool {
	return a == b && prev != b
}
