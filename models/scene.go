// models/scene.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// Scene 场景，由若干有序图层组成
type Scene struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"size:1024" json:"description"`
	IsPublic    bool      `json:"is_public"`
	Owner       string    `gorm:"size:64;index" json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Scene) TableName() string { return "scenes" }

// SceneLayer 场景与图层的关联，layer_id 与 martin_service_id 二选一
type SceneLayer struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SceneID         int64          `gorm:"uniqueIndex:idx_scene_order;not null" json:"scene_id"`
	LayerID         *int64         `gorm:"column:layer_id;index;check:chk_scene_layer_ref,(layer_id IS NULL) <> (martin_service_id IS NULL)" json:"layer_id"`
	MartinServiceID *int64         `gorm:"column:martin_service_id;index" json:"martin_service_id"`
	LayerOrder      int            `gorm:"column:layer_order;uniqueIndex:idx_scene_order;not null" json:"layer_order"`
	Name            string         `gorm:"size:255" json:"name"`
	Visible         bool           `json:"visible"`
	Opacity         float64        `json:"opacity"`
	StyleOverride   datatypes.JSON `json:"style_override"`
	Queryable       bool           `json:"queryable"`
	Selectable      bool           `json:"selectable"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (SceneLayer) TableName() string { return "scene_layers" }
