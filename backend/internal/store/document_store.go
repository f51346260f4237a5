package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"ordererServer/backend/internal/protocol"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&deltaRow{}, &contentRow{}, &documentRow{}); err != nil {
		return nil, err
	}
	return db, nil
}

// deltas 表：定序后的操作日志，(tenant, document, sequenceNumber) 唯一
type deltaRow struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID             string `gorm:"size:128;uniqueIndex:uk_delta_seq"`
	DocumentID           string `gorm:"size:128;uniqueIndex:uk_delta_seq"`
	SequenceNumber       uint64 `gorm:"uniqueIndex:uk_delta_seq"`
	ClientID             string `gorm:"size:128"`
	ClientSequenceNumber uint64
	Type                 string `gorm:"size:64"`
	Contents             []byte `gorm:"type:json"`
	Timestamp            time.Time
}

func (deltaRow) TableName() string { return "deltas" }

type documentRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID   string `gorm:"size:128;uniqueIndex:uk_document"`
	DocumentID string `gorm:"size:128;uniqueIndex:uk_document"`
}

func (documentRow) TableName() string { return "documents" }

type mysqlDeltaCollection struct{ db *gorm.DB }

func NewMySQLDeltaCollection(db *gorm.DB) DeltaCollection {
	return &mysqlDeltaCollection{db: db}
}

// AppendBatch 在一个事务里写整批，保证“整批原子”
func (s *mysqlDeltaCollection) AppendBatch(ctx context.Context, tenantID, documentID string, ops []protocol.SequencedOperation) error {
	if len(ops) == 0 {
		return nil
	}
	rows := make([]deltaRow, len(ops))
	for i, op := range ops {
		rows[i] = deltaRow{
			TenantID:             tenantID,
			DocumentID:           documentID,
			SequenceNumber:       op.SequenceNumber,
			ClientID:             op.ClientID,
			ClientSequenceNumber: op.ClientSequenceNumber,
			Type:                 op.Type,
			Contents:             op.Contents,
			Timestamp:            op.Timestamp,
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

func (s *mysqlDeltaCollection) Tail(ctx context.Context, tenantID, documentID string) (uint64, bool, error) {
	var row deltaRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Order("sequence_number DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.SequenceNumber, true, nil
}

func (s *mysqlDeltaCollection) All(ctx context.Context, tenantID, documentID string) ([]protocol.SequencedOperation, error) {
	var rows []deltaRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Order("sequence_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ops := make([]protocol.SequencedOperation, len(rows))
	for i, row := range rows {
		ops[i] = protocol.SequencedOperation{
			Operation: protocol.Operation{
				ClientID:             row.ClientID,
				ClientSequenceNumber: row.ClientSequenceNumber,
				Contents:             row.Contents,
				Type:                 row.Type,
			},
			SequenceNumber: row.SequenceNumber,
			Timestamp:      row.Timestamp,
		}
	}
	return ops, nil
}

type mysqlDocumentCollection struct{ db *gorm.DB }

func NewMySQLDocumentCollection(db *gorm.DB) DocumentCollection {
	return &mysqlDocumentCollection{db: db}
}

// EnsureDocument 首次引用时建档。插入撞唯一键说明文档已存在。
func (s *mysqlDocumentCollection) EnsureDocument(ctx context.Context, tenantID, documentID string) (bool, error) {
	row := documentRow{TenantID: tenantID, DocumentID: documentID}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
