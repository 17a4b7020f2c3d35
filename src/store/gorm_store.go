package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore is a CallStore backed by sqlite or postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&callRow{}, &turnRow{})
}

func (s *GormStore) InsertCall(ctx context.Context, rec CallRecord) (string, error) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	row := callRow{
		ID:        rec.ID,
		StartedAt: rec.StartedAt.UTC(),
		EndedAt:   rec.EndedAt,
		UserID:    rec.UserID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	return row.ID, nil
}

func (s *GormStore) UpdateCall(ctx context.Context, id string, upd CallUpdate) error {
	updates := map[string]any{}
	if upd.EndedAt != nil {
		updates["ended_at"] = upd.EndedAt.UTC()
	}
	if upd.UserID != nil {
		updates["user_id"] = *upd.UserID
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&callRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) InsertTurn(ctx context.Context, turn TurnRecord) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&turnRow{}).
			Where("call_id = ?", turn.CallID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		row := turnRow{
			ID:              turn.ID,
			CallID:          turn.CallID,
			Role:            string(turn.Role),
			InputTranscript: turn.InputTranscript,
			AIText:          turn.AIText,
			AudioURL:        turn.AudioURL,
			CreatedAt:       turn.CreatedAt.UTC(),
			Sequence:        maxSeq + 1,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	var row callRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("get call: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListTurns(ctx context.Context, callID string) ([]TurnRecord, error) {
	var rows []turnRow
	if err := s.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]TurnRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
