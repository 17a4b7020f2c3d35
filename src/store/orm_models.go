package store

import "time"

type callRow struct {
	ID        string     `gorm:"primaryKey;size:64"`
	StartedAt time.Time  `gorm:"not null"`
	EndedAt   *time.Time
	UserID    *string    `gorm:"size:191;index"`
}

func (callRow) TableName() string {
	return "calls"
}

func (r callRow) toRecord() CallRecord {
	return CallRecord{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		UserID:    r.UserID,
	}
}

type turnRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	CallID          string    `gorm:"size:64;not null;index:idx_call_sessions_call_created,priority:1"`
	Role            string    `gorm:"size:16;not null"`
	InputTranscript *string   `gorm:"type:text"`
	AIText          *string   `gorm:"column:ai_text;type:text"`
	AudioURL        *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null;index:idx_call_sessions_call_created,priority:2"`
	Sequence        int64     `gorm:"not null;default:0"`
}

func (turnRow) TableName() string {
	return "call_sessions"
}

func (r turnRow) toRecord() TurnRecord {
	return TurnRecord{
		ID:              r.ID,
		CallID:          r.CallID,
		Role:            Role(r.Role),
		InputTranscript: r.InputTranscript,
		AIText:          r.AIText,
		AudioURL:        r.AudioURL,
		CreatedAt:       r.CreatedAt,
	}
}
