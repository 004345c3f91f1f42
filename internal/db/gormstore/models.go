package gormstore

// SyncOffset records how far into a transcript file the pipeline has
// consumed. Re-notifications resume from here; a full re-read stays
// correct because inserts are idempotent.
type SyncOffset struct {
	TranscriptPath string `gorm:"primaryKey;column:transcript_path"`
	ByteOffset     int64  `gorm:"not null;default:0"`
	LineCount      int    `gorm:"not null;default:0"`
	UpdatedAtEpoch int64  `gorm:"not null;default:0"`
}

func (SyncOffset) TableName() string { return "sync_offsets" }
