package store

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// contents 表，一行一条内容消息。唯一键保证重试幂等。
type contentRow struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID             string `gorm:"size:128;uniqueIndex:uk_content"`
	DocumentID           string `gorm:"size:128;uniqueIndex:uk_content"`
	ClientID             string `gorm:"size:128;uniqueIndex:uk_content"`
	ClientSequenceNumber uint64 `gorm:"uniqueIndex:uk_content"`
	Contents             []byte `gorm:"type:json"`
}

func (contentRow) TableName() string { return "contents" }

type mysqlContentCollection struct{ db *gorm.DB }

func NewMySQLContentCollection(db *gorm.DB) ContentCollection {
	return &mysqlContentCollection{db: db}
}

func (s *mysqlContentCollection) InsertOne(ctx context.Context, rec ContentRecord) error {
	row := contentRow{
		TenantID:             rec.TenantID,
		DocumentID:           rec.DocumentID,
		ClientID:             rec.ClientID,
		ClientSequenceNumber: rec.ClientSequenceNumber,
		Contents:             rec.Op.Contents,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *mysqlContentCollection) Count(ctx context.Context, tenantID, documentID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&contentRow{}).
		Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Count(&n).Error
	return n, err
}

// 唯一键冲突的判定不依赖单一后端的错误码约定：
// gorm 的统一错误和 MySQL 1062 都认
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return false
}
