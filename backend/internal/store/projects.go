package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var ErrProjectNotFound = errors.New("PROJECT_NOT_FOUND")

// Project 白板项目的元数据；内容在 board_snapshots 里，以 ID 为 document_id
type Project struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"index;size:64;not null" json:"ownerId"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	ShareCode string    `gorm:"uniqueIndex;size:16;not null" json:"shareCode"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string { return "projects" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

type ProjectStore struct {
	db *gorm.DB
}

func NewProjectStore(db *gorm.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

func (s *ProjectStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Project{})
}

// 分享码：取 uuid 的前 8 位，大写
func newShareCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *ProjectStore) Create(ctx context.Context, ownerID, title string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		ShareCode: newShareCode(),
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProjectStore) ByShareCode(ctx context.Context, code string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).Where("share_code = ?", strings.ToUpper(code)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProjectStore) List(ctx context.Context, ownerID string) ([]Project, error) {
	var ps []Project
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("updated_at DESC").Find(&ps).Error
	return ps, err
}

// Rename 只有 owner 能改
func (s *ProjectStore) Rename(ctx context.Context, id, ownerID, title string) error {
	res := s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (s *ProjectStore) Delete(ctx context.Context, id, ownerID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&Project{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}
