// Package cadastre 把地籍 WMS 请求按市镇转发到上游：单个市镇直接重定向，
// 多个市镇逐个取图后叠加输出。市镇由 PostGIS 图层按范围查出。
package cadastre

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/geo"
)

// CommuneIndex 返回与范围相交的市镇 INSEE 编码，顺序稳定。
type CommuneIndex interface {
	Lookup(ctx context.Context, bbox geo.BBox, epsg int) ([]string, error)
}

// PostgisIndex 基于 pgx 连接池查询市镇图层。
type PostgisIndex struct {
	pool  *pgxpool.Pool
	query string
	limit int
}

// NewPostgisIndex 建立连接池并做一次 Ping。
func NewPostgisIndex(ctx context.Context, cfg config.CadastreConfig) (*PostgisIndex, error) {
	query, err := buildQuery(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("connect commune index: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping commune index: %w", err)
	}
	limit := cfg.MaxCommunes
	if limit <= 0 {
		limit = 10
	}
	return &PostgisIndex{pool: pool, query: query, limit: limit}, nil
}

// buildQuery 拼接查询语句，图层与字段名经 pgx.Identifier 转义，范围以参数传入。
func buildQuery(cfg config.CadastreConfig) (string, error) {
	layer := identifier(cfg.Layer)
	insee := identifier(cfg.InseeField)
	geom := identifier(cfg.GeomField)
	if layer == "" || insee == "" || geom == "" {
		return "", errors.New("cadastre layer, insee field and geometry field are required")
	}
	return fmt.Sprintf(
		"SELECT %s::text FROM %s WHERE ST_Intersects(%s, ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, $5), 2154)) ORDER BY %s LIMIT $6",
		insee, layer, geom, insee,
	), nil
}

// identifier 支持 schema.table 形式。
func identifier(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return pgx.Identifier(strings.Split(raw, ".")).Sanitize()
}

// Lookup 实现 CommuneIndex。
func (p *PostgisIndex) Lookup(ctx context.Context, bbox geo.BBox, epsg int) ([]string, error) {
	rows, err := p.pool.Query(ctx, p.query, bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY, epsg, p.limit)
	if err != nil {
		return nil, fmt.Errorf("query communes: %w", err)
	}
	communes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan communes: %w", err)
	}
	return communes, nil
}

// Close 关闭连接池。
func (p *PostgisIndex) Close() {
	p.pool.Close()
}
