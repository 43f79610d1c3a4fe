package models

import "time"

// Feature is a billable or gateable capability. The slug is the stable
// external key used in verification calls and is unique within a project.
type Feature struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ProjectID string    `gorm:"type:varchar(36);not null;index:ux_features_project_slug,unique,priority:1" json:"project_id"`
	Slug      string    `gorm:"type:varchar(191);not null;index:ux_features_project_slug,unique,priority:2" json:"slug"`
	Title     string    `gorm:"type:varchar(191);not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
