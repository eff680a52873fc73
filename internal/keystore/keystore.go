package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound reports that no key record matches the lookup. It is distinct
	// from an authentication failure: it usually means a provisioning gap.
	ErrNotFound = errors.New("keystore: key record not found")

	// ErrRotationConflict reports that a PENDING record already exists for the
	// slot; only one rotation may be in flight per (terminal, key type).
	ErrRotationConflict = errors.New("keystore: rotation already in progress for key slot")
)

// keyRecordModel is the gorm model backing KeyRecord.
type keyRecordModel struct {
	ID             string     `gorm:"type:char(36);primaryKey"`
	TerminalID     string     `gorm:"type:varchar(32);not null;index:idx_slot_status,priority:1;uniqueIndex:uk_slot_version,priority:1"`
	KeyType        string     `gorm:"type:varchar(10);not null;index:idx_slot_status,priority:2;uniqueIndex:uk_slot_version,priority:2"`
	BankContext    string     `gorm:"type:varchar(64);not null"`
	Value          []byte     `gorm:"type:blob;not null"`
	CheckValue     string     `gorm:"type:varchar(16)"`
	Status         string     `gorm:"type:varchar(10);not null;index:idx_slot_status,priority:3"`
	Version        int        `gorm:"not null;uniqueIndex:uk_slot_version,priority:3"`
	RotationID     string     `gorm:"type:varchar(64)"`
	EffectiveFrom  *time.Time `gorm:"type:datetime"`
	EffectiveUntil *time.Time `gorm:"type:datetime"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"not null;autoUpdateTime"`
}

func (keyRecordModel) TableName() string {
	return "key_records"
}

func (m *keyRecordModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	return nil
}

func (m *keyRecordModel) toDomain() *KeyRecord {
	return &KeyRecord{
		ID:             m.ID,
		TerminalID:     m.TerminalID,
		KeyType:        KeyType(m.KeyType),
		BankContext:    m.BankContext,
		Value:          m.Value,
		CheckValue:     m.CheckValue,
		Status:         KeyStatus(m.Status),
		Version:        m.Version,
		RotationID:     m.RotationID,
		EffectiveFrom:  m.EffectiveFrom,
		EffectiveUntil: m.EffectiveUntil,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Store persists key records and enforces the single-ACTIVE/single-PENDING
// invariants per key slot.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: open database: %w", err)
	}

	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&keyRecordModel{}); err != nil {
		return nil, fmt.Errorf("keystore: migrate schema: %w", err)
	}

	return &Store{db: db, slots: make(map[string]*sync.Mutex)}, nil
}

// slotLock returns the mutex serializing mutations of one (terminal, keyType)
// slot. Lookups stay lock-free; only AddPending/Activate/RemovePending take it.
func (s *Store) slotLock(terminalID string, keyType KeyType) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := terminalID + "|" + string(keyType)
	if _, ok := s.slots[key]; !ok {
		s.slots[key] = &sync.Mutex{}
	}

	return s.slots[key]
}

// GetActive returns the single ACTIVE record for the slot.
func (s *Store) GetActive(ctx context.Context, terminalID string, keyType KeyType) (*KeyRecord, error) {
	var model keyRecordModel
	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND key_type = ? AND status = ?",
			terminalID, string(keyType), string(StatusActive)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active %s for terminal %s",
				ErrNotFound, keyType, terminalID)
		}

		return nil, fmt.Errorf("keystore: lookup active key: %w", err)
	}

	return model.toDomain(), nil
}

// GetValidKeys returns the currently valid records for the slot: PENDING first,
// then ACTIVE, in descending version order. A PENDING record always carries a
// higher version than the ACTIVE one, so a plain version sort yields that order.
func (s *Store) GetValidKeys(ctx context.Context, terminalID string, keyType KeyType) ([]*KeyRecord, error) {
	var models []keyRecordModel
	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND key_type = ? AND status IN ?",
			terminalID, string(keyType), []string{string(StatusPending), string(StatusActive)}).
		Order("version DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("keystore: lookup valid keys: %w", err)
	}

	records := make([]*KeyRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}

	return records, nil
}

// GetByVersion returns the record with the exact version for the slot,
// regardless of status.
func (s *Store) GetByVersion(ctx context.Context, terminalID string, keyType KeyType, version int) (*KeyRecord, error) {
	var model keyRecordModel
	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND key_type = ? AND version = ?",
			terminalID, string(keyType), version).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no %s version %d for terminal %s",
				ErrNotFound, keyType, version, terminalID)
		}

		return nil, fmt.Errorf("keystore: lookup key by version: %w", err)
	}

	return model.toDomain(), nil
}

// AddPending stores newly delivered key material as a PENDING record with the
// next version number. Fails with ErrRotationConflict if a PENDING record
// already exists for the slot.
func (s *Store) AddPending(
	ctx context.Context,
	terminalID, bankContext string,
	keyType KeyType,
	value []byte,
	rotationID string,
) (*KeyRecord, error) {
	lock := s.slotLock(terminalID, keyType)
	lock.Lock()
	defer lock.Unlock()

	model := keyRecordModel{
		TerminalID:  terminalID,
		KeyType:     string(keyType),
		BankContext: bankContext,
		Value:       value,
		CheckValue:  CheckValue(value),
		Status:      string(StatusPending),
		RotationID:  rotationID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pendingCount int64
		if err := tx.Model(&keyRecordModel{}).
			Where("terminal_id = ? AND key_type = ? AND status = ?",
				terminalID, string(keyType), string(StatusPending)).
			Count(&pendingCount).Error; err != nil {
			return fmt.Errorf("keystore: count pending keys: %w", err)
		}
		if pendingCount > 0 {
			return fmt.Errorf("%w: terminal %s %s", ErrRotationConflict, terminalID, keyType)
		}

		var maxVersion *int
		if err := tx.Model(&keyRecordModel{}).
			Where("terminal_id = ? AND key_type = ?", terminalID, string(keyType)).
			Select("MAX(version)").
			Scan(&maxVersion).Error; err != nil {
			return fmt.Errorf("keystore: max version lookup: %w", err)
		}
		model.Version = 1
		if maxVersion != nil {
			model.Version = *maxVersion + 1
		}

		return tx.Create(&model).Error
	})
	if err != nil {
		return nil, err
	}

	return model.toDomain(), nil
}

// Activate promotes the PENDING record at version to ACTIVE and expires the
// current ACTIVE record in a single transaction. Partial application is never
// observable: both writes commit together or neither does.
func (s *Store) Activate(ctx context.Context, terminalID string, keyType KeyType, version int) error {
	lock := s.slotLock(terminalID, keyType)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target keyRecordModel
		err := tx.Where("terminal_id = ? AND key_type = ? AND version = ? AND status = ?",
			terminalID, string(keyType), version, string(StatusPending)).
			First(&target).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no pending %s version %d for terminal %s",
					ErrNotFound, keyType, version, terminalID)
			}

			return fmt.Errorf("keystore: lookup pending key: %w", err)
		}

		now := time.Now().UTC()
		if err := tx.Model(&keyRecordModel{}).
			Where("terminal_id = ? AND key_type = ? AND status = ?",
				terminalID, string(keyType), string(StatusActive)).
			Updates(map[string]any{
				"status":          string(StatusExpired),
				"effective_until": now,
			}).Error; err != nil {
			return fmt.Errorf("keystore: expire active key: %w", err)
		}

		if err := tx.Model(&target).
			Updates(map[string]any{
				"status":         string(StatusActive),
				"effective_from": now,
			}).Error; err != nil {
			return fmt.Errorf("keystore: activate pending key: %w", err)
		}

		return nil
	})
}

// RemovePending deletes the PENDING record for the slot, rolling an aborted
// rotation back so a retry starts clean. Removing a non-existent pending
// record is not an error.
func (s *Store) RemovePending(ctx context.Context, terminalID string, keyType KeyType) error {
	lock := s.slotLock(terminalID, keyType)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND key_type = ? AND status = ?",
			terminalID, string(keyType), string(StatusPending)).
		Delete(&keyRecordModel{}).Error
	if err != nil {
		return fmt.Errorf("keystore: remove pending key: %w", err)
	}

	return nil
}

// Provision installs key material directly as the ACTIVE key for the slot,
// expiring any current ACTIVE record. Intended for initial terminal setup and
// operator tooling, not for the rotation flow.
func (s *Store) Provision(
	ctx context.Context,
	terminalID, bankContext string,
	keyType KeyType,
	value []byte,
) (*KeyRecord, error) {
	record, err := s.AddPending(ctx, terminalID, bankContext, keyType, value, "provision-"+uuid.New().String())
	if err != nil {
		return nil, err
	}
	if err := s.Activate(ctx, terminalID, keyType, record.Version); err != nil {
		return nil, err
	}

	return s.GetByVersion(ctx, terminalID, keyType, record.Version)
}
