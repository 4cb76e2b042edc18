package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ot"
)

// AppliedOpRecord 已应用操作的归档行。
// (doc_id, version) 唯一——同一会话版本号只会被占用一次，重复投递靠唯一键去重。
type AppliedOpRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	DocID       string    `gorm:"column:doc_id;size:64;uniqueIndex:uq_doc_version;index"`
	Version     uint64    `gorm:"uniqueIndex:uq_doc_version"`
	OperationID string    `gorm:"column:operation_id;size:64"`
	UserID      string    `gorm:"column:user_id;size:64"`
	OpType      string    `gorm:"size:16"`
	ElementID   string    `gorm:"column:element_id;size:64"`
	Payload     []byte    `gorm:"type:json"`
	AppliedAt   time.Time
}

func (AppliedOpRecord) TableName() string { return "applied_operations" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AppliedOpRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// OpArchive 订阅已应用操作流并落 MySQL，实现 collab.OpArchiver。
type OpArchive struct{ db *gorm.DB }

func NewOpArchive(db *gorm.DB) *OpArchive {
	return &OpArchive{db: db}
}

func (a *OpArchive) SaveAppliedOp(ctx context.Context, docID string, op ot.AppliedOperation) error {
	payload, err := json.Marshal(op.Operation)
	if err != nil {
		return err
	}
	rec := AppliedOpRecord{
		DocID:       docID,
		Version:     op.Version,
		OperationID: op.ID,
		UserID:      op.UserID,
		OpType:      string(op.Type),
		ElementID:   op.ElementID,
		Payload:     payload,
		AppliedAt:   op.AppliedAt,
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		var mysqlErr *sqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 重复投递，已归档过
			return nil
		}
		return err
	}
	return nil
}

// LoadOps 返回 fromVersion 之后的归档操作，给离线回放/排查用。
func (a *OpArchive) LoadOps(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOpRecord, error) {
	var out []AppliedOpRecord
	q := a.db.WithContext(ctx).
		Where("doc_id = ? AND version > ?", docID, fromVersion).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
