package channel

import "strings"

// NormalizeChannelID strips a leading "scheme:" segment from a channel id, so
// "messaging:abc" and "abc" address the same channel.
func NormalizeChannelID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}
