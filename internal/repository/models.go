package repository

import (
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// InstanceModel is the persistence model for the instances table.
type InstanceModel struct {
	ID         string                `gorm:"type:varchar(128);primaryKey"`
	BrokerType domain.BrokerType     `gorm:"type:varchar(20);not null"`
	AuthToken  string                `gorm:"type:text;not null;default:''"`
	Status     domain.InstanceStatus `gorm:"type:varchar(20);not null;default:'disconnected'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (InstanceModel) TableName() string {
	return "instances"
}

func instanceModelFromDomain(i *domain.Instance) *InstanceModel {
	if i == nil {
		return nil
	}

	status := i.Status
	if status == "" {
		status = domain.InstanceDisconnected
	}

	return &InstanceModel{
		ID:         i.ID,
		BrokerType: i.BrokerType,
		AuthToken:  i.AuthToken,
		Status:     status,
	}
}

func instanceModelToDomain(m *InstanceModel) *domain.Instance {
	if m == nil {
		return nil
	}

	return &domain.Instance{
		ID:         m.ID,
		BrokerType: m.BrokerType,
		AuthToken:  m.AuthToken,
		Status:     m.Status,
	}
}
