package models

import (
	"fmt"

	"github.com/GrainArc/SouceGate/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// InitDB 连接目录库并迁移表结构
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect catalog database: %w", err)
	}
	if err := MigrateAllTables(db); err != nil {
		return nil, fmt.Errorf("migrate catalog tables: %w", err)
	}
	return db, nil
}

// MigrateAllTables 批量迁移目录表
func MigrateAllTables(db *gorm.DB) error {
	models := []interface{}{
		&File{},
		&GeoServerWorkspace{},
		&GeoServerStore{},
		&GeoServerFeatureType{},
		&GeoServerCoverage{},
		&GeoServerLayer{},
		&GeoServerStyle{},
		&VectorMartinService{},
		&Scene{},
		&SceneLayer{},
	}
	return db.AutoMigrate(models...)
}

// MigrateMBTiles 创建 mbtiles 的 metadata 与 tiles 表
func MigrateMBTiles(db *gorm.DB) error {
	return db.AutoMigrate(&Metadata{}, &Tile{})
}
