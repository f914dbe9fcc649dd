// services/tile_server_manager.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/config"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// MartinConfigFile martin 的 YAML 配置
type MartinConfigFile struct {
	ListenAddresses string             `yaml:"listen_addresses"`
	WorkerProcesses int                `yaml:"worker_processes"`
	CacheSizeMB     int                `yaml:"cache_size_mb"`
	Postgres        *MartinPostgres    `yaml:"postgres,omitempty"`
	MBTiles         *MartinFileSources `yaml:"mbtiles,omitempty"`
}

type MartinPostgres struct {
	ConnectionString string            `yaml:"connection_string"`
	PoolSize         int               `yaml:"pool_size"`
	AutoPublish      MartinAutoPublish `yaml:"auto_publish"`
}

type MartinAutoPublish struct {
	Tables MartinAutoTables `yaml:"tables"`
}

type MartinAutoTables struct {
	SourceIDFormat string   `yaml:"source_id_format"`
	FromSchemas    []string `yaml:"from_schemas"`
	IDRegex        string   `yaml:"id_regex"`
}

type MartinFileSources struct {
	Paths []string `yaml:"paths"`
}

// MartinStatus 子进程状态快照
type MartinStatus struct {
	ConfigVersion int64     `json:"config_version"`
	PID           int       `json:"pid"`
	Running       bool      `json:"running"`
	LastReadyAt   time.Time `json:"last_ready_at"`
	Degraded      bool      `json:"degraded"`
	PublicURL     string    `json:"public_url"`
}

// MartinCatalog /catalog 返回的数据源列表
type MartinCatalog struct {
	Tiles map[string]MartinSource `json:"tiles"`
}

type MartinSource struct {
	ContentType     string `json:"content_type"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
}

func (c *MartinCatalog) Has(sourceID string) bool {
	_, ok := c.Tiles[sourceID]
	return ok
}

// TileServerManager 瓦片服务管理器。martin 子进程的配置由数据库连接与自动发布规则生成，
// 发布/撤销只需建表删表再重启子进程。同一时间只允许一次重启。
type TileServerManager struct {
	cfg        config.MartinConfig
	dbURL      string
	runner     ProcessRunner
	httpClient *http.Client

	bindTimeout  time.Duration
	readyTimeout time.Duration
	stopGrace    time.Duration
	window       time.Duration
	pollInterval time.Duration

	mu        sync.Mutex // 串行化 refresh/stop
	stateMu   sync.RWMutex
	proc      Process
	version   int64
	lastReady time.Time
	degraded  bool

	coalesceMu sync.Mutex
	waiters    []chan error
	timer      *time.Timer
}

// NewTileServerManager runner 为 nil 时使用当前操作系统的实现
func NewTileServerManager(cfg config.MartinConfig, db config.DatabaseConfig, runner ProcessRunner) *TileServerManager {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &TileServerManager{
		cfg:          cfg,
		dbURL:        db.URL(),
		runner:       runner,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		bindTimeout:  cfg.BindTimeout(),
		readyTimeout: cfg.ReadyTimeout(),
		stopGrace:    cfg.StopGrace(),
		window:       cfg.CoalesceWindow(),
		pollInterval: 200 * time.Millisecond,
	}
}

func isWildcardHost(host string) bool {
	switch strings.Trim(host, "[]") {
	case "", "0.0.0.0", "::":
		return true
	}
	return false
}

// publicHost 监听地址为通配地址时对外使用 localhost
func publicHost(host string) string {
	if isWildcardHost(host) {
		return "localhost"
	}
	return host
}

func (m *TileServerManager) listenAddress() string {
	host := m.cfg.ListenHost
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(m.cfg.Port))
}

// probeAddress 本机探测用地址
func (m *TileServerManager) probeAddress() string {
	host := m.cfg.ListenHost
	if isWildcardHost(host) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(m.cfg.Port))
}

// PublicBaseURL 对外的服务根地址，不带末尾斜杠
func (m *TileServerManager) PublicBaseURL() string {
	if m.cfg.PublicURL != "" {
		base := strings.TrimRight(m.cfg.PublicURL, "/")
		u, err := url.Parse(base)
		if err == nil && isWildcardHost(u.Hostname()) {
			if port := u.Port(); port != "" {
				u.Host = net.JoinHostPort("localhost", port)
			} else {
				u.Host = "localhost"
			}
			return u.String()
		}
		return base
	}
	return "http://" + net.JoinHostPort(publicHost(m.cfg.ListenHost), strconv.Itoa(m.cfg.Port))
}

func SourceID(schema, table string) string {
	return schema + "." + table
}

func (m *TileServerManager) ServiceURL(sourceID string) string {
	return m.PublicBaseURL() + "/" + sourceID
}

// MVTURLFor {base}/{schema}.{table}/{z}/{x}/{y}.pbf
func (m *TileServerManager) MVTURLFor(schema, table string) string {
	return m.ServiceURL(SourceID(schema, table)) + "/{z}/{x}/{y}.pbf"
}

// TileJSONURLFor {base}/{schema}.{table}
func (m *TileServerManager) TileJSONURLFor(schema, table string) string {
	return m.ServiceURL(SourceID(schema, table))
}

// TileURLFor mbtiles 源的瓦片模板，源名即文件主名
func (m *TileServerManager) TileURLFor(source string) string {
	return m.ServiceURL(source) + "/{z}/{x}/{y}"
}

// BuildConfig 由当前配置生成 martin 配置
func (m *TileServerManager) BuildConfig() MartinConfigFile {
	schema := m.cfg.Schema
	if schema == "" {
		schema = "public"
	}
	idRegex := m.cfg.IDRegex
	if idRegex == "" {
		idRegex = config.DefaultTableIDRegex
	}
	out := MartinConfigFile{
		ListenAddresses: m.listenAddress(),
		WorkerProcesses: m.cfg.Workers,
		CacheSizeMB:     m.cfg.CacheSizeMB,
		Postgres: &MartinPostgres{
			ConnectionString: m.dbURL,
			PoolSize:         m.cfg.PoolSize,
			AutoPublish: MartinAutoPublish{Tables: MartinAutoTables{
				SourceIDFormat: "{schema}.{table}",
				FromSchemas:    []string{schema},
				IDRegex:        idRegex,
			}},
		},
	}
	if m.cfg.MBTilesDir != "" {
		out.MBTiles = &MartinFileSources{Paths: []string{m.cfg.MBTilesDir}}
	}
	return out
}

func (m *TileServerManager) RenderConfig() ([]byte, error) {
	data, err := yaml.Marshal(m.BuildConfig())
	if err != nil {
		return nil, apperr.ErrInternal.Msg("encode martin config").Err(err)
	}
	return data, nil
}

// WriteConfig 先写临时文件再改名，避免子进程读到半个文件
func (m *TileServerManager) WriteConfig() error {
	data, err := m.RenderConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.ConfigPath), 0o755); err != nil {
		return apperr.ErrInternal.Msg("create martin config dir").Err(err)
	}
	tmp := m.cfg.ConfigPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperr.ErrInternal.Msg("write martin config").Err(err)
	}
	if err := os.Rename(tmp, m.cfg.ConfigPath); err != nil {
		return apperr.ErrInternal.Msg("replace martin config").Err(err)
	}
	return nil
}

// Refresh 停止子进程、重写配置并重新启动，然后分两步等待就绪：端口在 bindTimeout
// 内监听成功，否则报错；/health 在 readyTimeout 内可用，否则以降级状态返回成功。
func (m *TileServerManager) Refresh(ctx context.Context) (*MartinStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logger := log.Ctx(ctx).With().Str("component", "martin").Logger()

	m.stopLocked(ctx)
	if err := m.WriteConfig(); err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	m.version++
	version := m.version
	m.stateMu.Unlock()

	proc, err := m.runner.Start(m.cfg.Executable, []string{"--config", m.cfg.ConfigPath}, m.cfg.LogPath)
	if err != nil {
		return nil, apperr.ErrInternal.Msgf("start %s", m.cfg.Executable).Err(err)
	}
	m.stateMu.Lock()
	m.proc = proc
	m.stateMu.Unlock()
	logger.Info().Int("pid", proc.Pid()).Int64("configVersion", version).Str("listen", m.listenAddress()).Msg("tile server started")

	if err := m.waitBound(ctx, proc); err != nil {
		m.stopLocked(ctx)
		return nil, err
	}
	ready := m.waitHealthy(ctx)

	m.stateMu.Lock()
	m.degraded = !ready
	if ready {
		m.lastReady = time.Now()
	}
	m.stateMu.Unlock()
	if !ready {
		logger.Warn().Dur("budget", m.readyTimeout).Msg("tile server bound its port but is not healthy yet")
	}
	st := m.Status()
	return &st, nil
}

func (m *TileServerManager) waitBound(ctx context.Context, proc Process) error {
	deadline := time.Now().Add(m.bindTimeout)
	addr := m.probeAddress()
	for {
		conn, err := net.DialTimeout("tcp", addr, m.pollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-proc.Done():
			return apperr.ErrUpstream.Msgf("tile server exited before binding %s", addr).Err(proc.Err())
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "wait for tile server port")
		case <-time.After(m.pollInterval):
		}
		if time.Now().After(deadline) {
			return apperr.ErrUpstream.Msgf("tile server did not bind %s within %s", addr, m.bindTimeout)
		}
	}
}

func (m *TileServerManager) waitHealthy(ctx context.Context) bool {
	deadline := time.Now().Add(m.readyTimeout)
	target := "http://" + m.probeAddress() + "/health"
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false
		}
		resp, err := m.httpClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}
}

// Stop 停止子进程
func (m *TileServerManager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ctx)
}

// stopLocked 先优雅退出，超时后强杀；仍占用端口时按进程名与端口清理残留
func (m *TileServerManager) stopLocked(ctx context.Context) {
	logger := log.Ctx(ctx)
	m.stateMu.Lock()
	proc := m.proc
	m.proc = nil
	m.stateMu.Unlock()

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			logger.Debug().Err(err).Int("pid", proc.Pid()).Msg("terminate tile server")
		}
		select {
		case <-proc.Done():
		case <-time.After(m.stopGrace):
			logger.Warn().Int("pid", proc.Pid()).Msg("tile server ignored terminate, killing")
			if err := proc.Kill(); err != nil {
				logger.Debug().Err(err).Msg("kill tile server")
			}
			if err := m.runner.KillByName(ctx, filepath.Base(m.cfg.Executable)); err != nil {
				logger.Debug().Err(err).Msg("kill tile server by name")
			}
		}
	}
	if m.portBound() {
		logger.Warn().Int("port", m.cfg.Port).Msg("port still in use, killing owner")
		if err := m.runner.KillByPort(ctx, m.cfg.Port); err != nil {
			logger.Warn().Err(err).Int("port", m.cfg.Port).Msg("kill port owner")
		}
	}
}

func (m *TileServerManager) portBound() bool {
	conn, err := net.DialTimeout("tcp", m.probeAddress(), m.pollInterval)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// RefreshCoalesced 在合并窗口内的多次调用只触发一次 Refresh，窗口从最后一次调用起算
func (m *TileServerManager) RefreshCoalesced(ctx context.Context) error {
	ch := make(chan error, 1)
	m.coalesceMu.Lock()
	m.waiters = append(m.waiters, ch)
	if m.timer == nil {
		m.timer = time.AfterFunc(m.window, m.flush)
	} else {
		m.timer.Reset(m.window)
	}
	m.coalesceMu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "wait for tile server refresh")
	}
}

func (m *TileServerManager) flush() {
	m.coalesceMu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.timer = nil
	m.coalesceMu.Unlock()
	if len(waiters) == 0 {
		return
	}

	budget := m.stopGrace + m.bindTimeout + m.readyTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)
	_, err := m.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Int("callers", len(waiters)).Msg("coalesced tile server refresh failed")
	}
	for _, w := range waiters {
		w <- err
	}
}

// Status 返回 (config_version, pid, last_ready_at, degraded)
func (m *TileServerManager) Status() MartinStatus {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	st := MartinStatus{
		ConfigVersion: m.version,
		LastReadyAt:   m.lastReady,
		Degraded:      m.degraded,
		PublicURL:     m.PublicBaseURL(),
	}
	if m.proc != nil {
		st.PID = m.proc.Pid()
		select {
		case <-m.proc.Done():
		default:
			st.Running = true
		}
	}
	return st
}

// Catalog 读取 martin 当前发布的数据源
func (m *TileServerManager) Catalog(ctx context.Context) (*MartinCatalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+m.probeAddress()+"/catalog", nil)
	if err != nil {
		return nil, apperr.ErrInternal.Msg("build catalog request").Err(err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperr.ErrTimeout.Msg("tile server catalog").Err(err)
		}
		return nil, apperr.ErrUpstream.Msg("tile server catalog").Err(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.ErrUpstream.Msgf("tile server catalog returned %d", resp.StatusCode)
	}
	var catalog MartinCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, apperr.ErrUpstream.Msg("decode tile server catalog").Err(err)
	}
	if catalog.Tiles == nil {
		catalog.Tiles = map[string]MartinSource{}
	}
	return &catalog, nil
}
