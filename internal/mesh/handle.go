package mesh

import (
	"strings"

	"github.com/google/uuid"
)

const suffixLen = 9

// NewHandle mints a session handle: {room}_{userID}_{suffix}. A new one is
// minted for every connection attempt.
func NewHandle(room, userID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return room + "_" + userID + "_" + suffix
}

// InRoom reports whether handle was minted for room.
func InRoom(handle, room string) bool {
	return strings.HasPrefix(handle, room+"_") && len(handle) > len(room)+1
}

// UserIDFromHandle recovers the identity embedded in a handle. Display code
// must use the identity from user_info instead; this is for logs.
func UserIDFromHandle(handle, room string) string {
	if !InRoom(handle, room) {
		return ""
	}
	rest := handle[len(room)+1:]
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return ""
	}
	return rest[:i]
}
