package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of subject partitions.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// LifecycleSubject returns the subject carrying status transitions of one event.
// Format: app.lifecycle.{shard_id}.event.{event_id}
func LifecycleSubject(eventID string) string {
	return fmt.Sprintf("app.lifecycle.%d.event.%s", GetShardID(eventID), eventID)
}

// NotificationSubject returns the subject carrying notifications for one user.
// Format: app.notification.{shard_id}.user.{user_id}
func NotificationSubject(userID string) string {
	return fmt.Sprintf("app.notification.%d.user.%s", GetShardID(userID), userID)
}
