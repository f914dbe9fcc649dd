// Package pgmvt PostGIS 存储访问与矢量数据入库
package pgmvt

import (
	"context"
	"errors"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB pgxpool.Pool 与 pgxmock 都满足该接口
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store 无状态的 PostGIS 操作集合，每次调用从连接池获取连接
type Store struct {
	db     DB
	schema string
}

func NewStore(db DB, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{db: db, schema: schema}
}

func (s *Store) Schema() string {
	return s.schema
}

// Connect 建立连接池，强制客户端编码为 UTF8
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, apperr.ErrValidation.Msg("invalid database configuration").Err(err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	poolCfg.ConnConfig.RuntimeParams["client_encoding"] = "UTF8"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classify(err, "connect to PostGIS")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err, "ping PostGIS")
	}
	log.Ctx(ctx).Info().Str("host", cfg.Host).Str("db", cfg.Dbname).Int32("max_conns", poolCfg.MaxConns).Msg("PostGIS pool ready")
	return pool, nil
}

func (s *Store) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// classify 将驱动错误归类为 connection / constraint-violation / data-invalid 等
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperr.ErrTimeout.Msg(msg).Err(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P07":
			return apperr.ErrConflict.Msg(msg).Err(err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return apperr.ErrConstraint.Msg(msg).Err(err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return apperr.ErrConnection.Msg(msg).Err(err)
		case strings.HasPrefix(pgErr.Code, "22"), pgErr.Code == "XX000":
			// PostGIS 的几何解析错误以 XX000 返回
			return apperr.ErrDataInvalid.Msg(msg).Err(err)
		}
		return apperr.ErrInternal.Msg(msg).Err(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return apperr.ErrConnection.Msg(msg).Err(err)
	}
	return apperr.ErrInternal.Msg(msg).Err(err)
}
