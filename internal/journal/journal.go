// Package journal 把做市成交、对冲成交以及配对盈亏写入 SQLite。
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/betbot/crossmm/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var journalLog = logrus.WithField("component", "journal")

const (
	VenueMaker = "maker"
	VenueHedge = "hedge"
)

type Journal struct {
	db *sql.DB
}

// Open 打开（或创建）日志库；path 为 ":memory:" 时使用内存库
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	journalLog.Infof("✅ 交易日志: %s", path)
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 金额与数量以 TEXT 保存十进制字符串，避免浮点误差
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  ref_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  hedge_id TEXT NOT NULL DEFAULT '',
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  qty TEXT NOT NULL,
  fee TEXT NOT NULL DEFAULT '0',
  ts TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_maker_ref ON trades(ref_id) WHERE venue = 'maker';`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts DESC);`,
		`
CREATE TABLE IF NOT EXISTS trade_pairs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  hedge_id TEXT NOT NULL,
  fill_id TEXT NOT NULL,
  maker_price TEXT NOT NULL,
  hedge_price TEXT NOT NULL,
  qty TEXT NOT NULL,
  pnl TEXT NOT NULL,
  fee TEXT NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_pairs_ts ON trade_pairs(ts DESC);`,
	}
	for _, q := range stmts {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}

// RecordMakerFill 记录做市成交（同一成交 ID 重复写入被忽略）
func (j *Journal) RecordMakerFill(ctx context.Context, f domain.Fill, fee decimal.Decimal) error {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT OR IGNORE INTO trades (venue, ref_id, order_id, side, price, qty, fee, ts)
VALUES (?,?,?,?,?,?,?,?)
`, VenueMaker, f.ID, f.OrderID, string(f.Side), f.Price.String(), f.Quantity.String(), fee.String(), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert maker trade: %w", err)
	}
	return nil
}

// RecordHedge 记录一笔对冲成交及其与来源成交的配对盈亏
func (j *Journal) RecordHedge(ctx context.Context, req *domain.HedgeRequest, exec domain.HedgeExecution, qty decimal.Decimal) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fee := req.FeeShare(qty)
	pnl := req.PairPnL(qty, exec.AvgPrice).Sub(fee)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	side := domain.SideBid
	if qty.IsNegative() {
		side = domain.SideAsk
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO trades (venue, ref_id, order_id, hedge_id, side, price, qty, ts)
VALUES (?,?,?,?,?,?,?,?)
`, VenueHedge, exec.OrderID, exec.OrderID, req.ID, string(side), exec.AvgPrice.String(), qty.Abs().String(), now); err != nil {
		return fmt.Errorf("insert hedge trade: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO trade_pairs (hedge_id, fill_id, maker_price, hedge_price, qty, pnl, fee, ts)
VALUES (?,?,?,?,?,?,?,?)
`, req.ID, req.FillID, req.FillPrice.String(), exec.AvgPrice.String(), qty.String(), pnl.String(), fee.String(), now); err != nil {
		return fmt.Errorf("insert trade pair: %w", err)
	}
	return tx.Commit()
}

// Pair 一条配对记录
type Pair struct {
	HedgeID    string          `json:"hedge_id"`
	FillID     string          `json:"fill_id"`
	MakerPrice decimal.Decimal `json:"maker_price"`
	HedgePrice decimal.Decimal `json:"hedge_price"`
	Qty        decimal.Decimal `json:"qty"`
	PnL        decimal.Decimal `json:"pnl"`
	Fee        decimal.Decimal `json:"fee"`
	TS         time.Time       `json:"ts"`
}

// Summary 盈亏汇总
type Summary struct {
	Pairs      int             `json:"pairs"`
	Realized   decimal.Decimal `json:"realized"`
	Fees       decimal.Decimal `json:"fees"`
	Volume     decimal.Decimal `json:"volume"`
	MakerFills int             `json:"maker_fills"`
	Since      time.Time       `json:"since"`
	Recent     []Pair          `json:"recent"`
}

// PnL 汇总 since 之后（零值表示全部）的配对盈亏，并附带最近 recent 条记录
func (j *Journal) PnL(ctx context.Context, since time.Time, recent int) (Summary, error) {
	s := Summary{Since: since}
	cutoff := ""
	if !since.IsZero() {
		cutoff = since.UTC().Format(time.RFC3339Nano)
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT hedge_id, fill_id, maker_price, hedge_price, qty, pnl, fee, ts
FROM trade_pairs
WHERE ts >= ?
ORDER BY ts DESC, id DESC
`, cutoff)
	if err != nil {
		return s, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return s, err
		}
		s.Pairs++
		s.Realized = s.Realized.Add(p.PnL)
		s.Fees = s.Fees.Add(p.Fee)
		s.Volume = s.Volume.Add(p.Qty.Abs())
		if len(s.Recent) < recent {
			s.Recent = append(s.Recent, p)
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	row := j.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE venue = ? AND ts >= ?`, VenueMaker, cutoff)
	if err := row.Scan(&s.MakerFills); err != nil {
		return s, fmt.Errorf("count maker fills: %w", err)
	}
	return s, nil
}

func scanPair(rows *sql.Rows) (Pair, error) {
	var (
		p                          Pair
		maker, hedge, qty, pnl, fe string
		ts                         string
	)
	if err := rows.Scan(&p.HedgeID, &p.FillID, &maker, &hedge, &qty, &pnl, &fe, &ts); err != nil {
		return p, fmt.Errorf("scan pair: %w", err)
	}
	var err error
	parse := func(s string) decimal.Decimal {
		v, e := decimal.NewFromString(s)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	p.MakerPrice, p.HedgePrice, p.Qty, p.PnL, p.Fee = parse(maker), parse(hedge), parse(qty), parse(pnl), parse(fe)
	if err != nil {
		return p, fmt.Errorf("parse pair %s: %w", p.HedgeID, err)
	}
	p.TS, _ = time.Parse(time.RFC3339Nano, ts)
	return p, nil
}
