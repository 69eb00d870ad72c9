package content

import (
	"time"
)

const syncRecordPrefix = MetaPrefix + "record:"

// remoteMediaPrefix keys the remote media id per target on a media item.
const remoteMediaPrefix = MetaPrefix + "media:"

type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncRecord is the per entity, per target outcome of the last definitive
// replication attempt. RemoteID decides between create and update.
type SyncRecord struct {
	TargetID     string
	RemoteID     string
	LastSyncedAt time.Time
	Status       SyncStatus
}

// SyncRecordKey is the metadata key a record for targetID is stored under.
func SyncRecordKey(targetID string) string {
	return syncRecordPrefix + targetID
}

// RemoteMediaKey is the media metadata key for the remote id on targetID.
func RemoteMediaKey(targetID string) string {
	return remoteMediaPrefix + targetID
}

// Value is the JSON-compatible form stored in entity metadata.
func (r SyncRecord) Value() map[string]any {
	return map[string]any{
		"target_id":      r.TargetID,
		"remote_id":      r.RemoteID,
		"last_synced_at": r.LastSyncedAt.UTC().Format(time.RFC3339Nano),
		"status":         string(r.Status),
	}
}

// LoadSyncRecord reads the record for targetID from the entity metadata.
func LoadSyncRecord(e *Entity, targetID string) (SyncRecord, bool) {
	raw, ok := e.Meta[SyncRecordKey(targetID)].(map[string]any)
	if !ok {
		return SyncRecord{}, false
	}
	rec := SyncRecord{TargetID: targetID}
	rec.RemoteID, _ = raw["remote_id"].(string)
	if s, ok := raw["status"].(string); ok {
		rec.Status = SyncStatus(s)
	}
	if s, ok := raw["last_synced_at"].(string); ok {
		rec.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return rec, true
}
