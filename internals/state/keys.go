package state

import "fmt"

const (
	KeyPrefixRoom = "echo:room:"
)

// RoomSummaryKey is per instance so that instances sharing a room never
// overwrite or delete each other's summary.
func RoomSummaryKey(roomID, instanceID string) string {
	return fmt.Sprintf("%s%s:summary:%s", KeyPrefixRoom, roomID, instanceID)
}

// RoomSummaryPattern matches every summary key for SCAN.
func RoomSummaryPattern() string {
	return KeyPrefixRoom + "*:summary:*"
}
