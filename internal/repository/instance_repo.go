package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InstanceRepository interface {
	Create(ctx context.Context, i *domain.Instance) error
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	UpdateStatus(ctx context.Context, id string, status domain.InstanceStatus) error
}

type GormInstanceRepo struct {
	db *gorm.DB
}

func NewGormInstanceRepo(db *gorm.DB) *GormInstanceRepo {
	return &GormInstanceRepo{db: db}
}

// Create inserts the instance or updates broker, token and status when the
// id already exists.
func (r *GormInstanceRepo) Create(ctx context.Context, i *domain.Instance) error {
	if i == nil {
		return domain.ErrValidation
	}
	if err := i.Validate(); err != nil {
		return err
	}

	model := instanceModelFromDomain(i)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"broker_type", "auth_token", "status", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}

	*i = *instanceModelToDomain(model)
	return nil
}

func (r *GormInstanceRepo) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	var model InstanceModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return instanceModelToDomain(&model), nil
}

func (r *GormInstanceRepo) UpdateStatus(ctx context.Context, id string, status domain.InstanceStatus) error {
	if !status.IsValid() {
		return domain.ErrValidation
	}

	result := r.db.WithContext(ctx).
		Model(&InstanceModel{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
