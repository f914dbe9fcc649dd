package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	XMLName    xml.Name        `xml:"config"`
	MainRouter string          `xml:"MainRouter" validate:"required"`
	Storage    StorageConfig   `xml:"storage"`
	Database   DatabaseConfig  `xml:"database"`
	GeoServer  GeoServerConfig `xml:"geoserver"`
	Martin     MartinConfig    `xml:"martin"`
	Raster     RasterConfig    `xml:"raster"`
}

type StorageConfig struct {
	Download string `xml:"download" validate:"required"` // 上传文件根目录
	Temp     string `xml:"temp"`                         // 解压、栅格中间文件
}

type DatabaseConfig struct {
	Host     string `xml:"host" validate:"required"`
	Port     string `xml:"port" validate:"required,numeric"`
	Dbname   string `xml:"dbname" validate:"required"`
	Username string `xml:"user" validate:"required"`
	Password string `xml:"password"`
	Schema   string `xml:"schema"`
	PoolSize int    `xml:"poolsize" validate:"gte=0,lte=200"`
	SSLMode  string `xml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

type GeoServerConfig struct {
	URL              string `xml:"url" validate:"required,url"`
	Username         string `xml:"user" validate:"required"`
	Password         string `xml:"password"`
	DefaultWorkspace string `xml:"workspace"`
	TimeoutSeconds   int    `xml:"timeout" validate:"gte=0"`
	Retries          int    `xml:"retries" validate:"gte=0,lte=10"`
	// GeoServer 访问 PostGIS 时使用的地址，容器部署时通常与本服务不同
	PostGISHost string `xml:"postgishost"`
	PostGISPort string `xml:"postgisport"`
}

type MartinConfig struct {
	Executable          string `xml:"executable" validate:"required"`
	ConfigPath          string `xml:"configpath" validate:"required"`
	LogPath             string `xml:"logpath"`
	ListenHost          string `xml:"host"`
	Port                int    `xml:"port" validate:"required,gt=0,lt=65536"`
	PublicURL           string `xml:"publicurl" validate:"omitempty,url"`
	Workers             int    `xml:"workers" validate:"gte=0"`
	CacheSizeMB         int    `xml:"cachesize" validate:"gte=0"`
	PoolSize            int    `xml:"poolsize" validate:"gte=0"`
	Schema              string `xml:"schema"`
	IDRegex             string `xml:"idregex"`
	MBTilesDir          string `xml:"mbtiles"`
	BindTimeoutSeconds  int    `xml:"bindtimeout" validate:"gte=0"`
	ReadyTimeoutSeconds int    `xml:"readytimeout" validate:"gte=0"`
	StopGraceSeconds    int    `xml:"stopgrace" validate:"gte=0"`
	CoalesceMillis      int    `xml:"coalesce" validate:"gte=0"`
}

type RasterConfig struct {
	GdalBin   string `xml:"gdalbin"`
	OutputDir string `xml:"output" validate:"required"`
	Processes int    `xml:"processes" validate:"gte=0"`
}

var validate = validator.New()

// Load 读取 XML 配置文件，补齐默认值并校验
func Load(path string) (*Config, error) {
	xmlFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer xmlFile.Close()

	var cfg Config
	if err := xml.NewDecoder(xmlFile).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Storage.Temp == "" {
		c.Storage.Temp = os.TempDir()
	}
	if c.Database.Schema == "" {
		c.Database.Schema = "public"
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = 10
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.GeoServer.DefaultWorkspace == "" {
		c.GeoServer.DefaultWorkspace = "soucegate"
	}
	if c.GeoServer.TimeoutSeconds == 0 {
		c.GeoServer.TimeoutSeconds = 60
	}
	if c.GeoServer.PostGISHost == "" {
		c.GeoServer.PostGISHost = c.Database.Host
	}
	if c.GeoServer.PostGISPort == "" {
		c.GeoServer.PostGISPort = c.Database.Port
	}
	m := &c.Martin
	if m.ListenHost == "" {
		m.ListenHost = "0.0.0.0"
	}
	if m.Workers == 0 {
		m.Workers = 4
	}
	if m.CacheSizeMB == 0 {
		m.CacheSizeMB = 512
	}
	if m.PoolSize == 0 {
		m.PoolSize = 20
	}
	if m.Schema == "" {
		m.Schema = c.Database.Schema
	}
	if m.IDRegex == "" {
		m.IDRegex = DefaultTableIDRegex
	}
	if m.MBTilesDir == "" {
		m.MBTilesDir = c.Raster.OutputDir
	}
	if m.BindTimeoutSeconds == 0 {
		m.BindTimeoutSeconds = 15
	}
	if m.ReadyTimeoutSeconds == 0 {
		m.ReadyTimeoutSeconds = 30
	}
	if m.StopGraceSeconds == 0 {
		m.StopGraceSeconds = 5
	}
	if m.CoalesceMillis == 0 {
		m.CoalesceMillis = 300
	}
	if c.Raster.Processes == 0 {
		c.Raster.Processes = 2
	}
}

// DefaultTableIDRegex 自动发布表名规则，导入表、栅格 mbtiles 均按此命名
const DefaultTableIDRegex = `^(vector|geojson|raster)_[0-9a-f]+$`

func (g GeoServerConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (m MartinConfig) BindTimeout() time.Duration {
	return time.Duration(m.BindTimeoutSeconds) * time.Second
}

func (m MartinConfig) ReadyTimeout() time.Duration {
	return time.Duration(m.ReadyTimeoutSeconds) * time.Second
}

func (m MartinConfig) StopGrace() time.Duration {
	return time.Duration(m.StopGraceSeconds) * time.Second
}

func (m MartinConfig) CoalesceWindow() time.Duration {
	return time.Duration(m.CoalesceMillis) * time.Millisecond
}
