package models

// Tile mbtiles 瓦片表，tile_row 为 TMS 行号
type Tile struct {
	ZoomLevel  int64  `gorm:"column:zoom_level;uniqueIndex:tile_index"`
	TileColumn int64  `gorm:"column:tile_column;uniqueIndex:tile_index"`
	TileRow    int64  `gorm:"column:tile_row;uniqueIndex:tile_index"`
	TileData   []byte `gorm:"column:tile_data"`
}

func (Tile) TableName() string { return "tiles" }

// Metadata mbtiles 元数据表
type Metadata struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value string `gorm:"column:value"`
}

func (Metadata) TableName() string { return "metadata" }
