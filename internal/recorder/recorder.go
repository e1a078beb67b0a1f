// Package recorder journals emitted bars to PostgreSQL. Persistence is
// strictly off the hot path: bars are queued and written by a single
// background goroutine, and a full queue drops with a counter rather
// than stalling emission.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"feedproxy/internal/proto"
)

const flushBatch = 256

// BarRow is the persisted form of one emitted bar. Prices and volume
// land in numeric columns, exactly as aggregated.
type BarRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol      string `gorm:"size:32;index:idx_bars_series,priority:1"`
	IntervalMs  int64  `gorm:"index:idx_bars_series,priority:2"`
	WindowStart int64  `gorm:"index:idx_bars_series,priority:3"`
	WindowEnd   int64
	Open        decimal.Decimal `gorm:"type:numeric"`
	High        decimal.Decimal `gorm:"type:numeric"`
	Low         decimal.Decimal `gorm:"type:numeric"`
	Close       decimal.Decimal `gorm:"type:numeric"`
	Volume      decimal.Decimal `gorm:"type:numeric"`
	TradeCount  int64
	VWAP        decimal.Decimal `gorm:"type:numeric"`
	RecordedAt  time.Time       `gorm:"autoCreateTime"`
}

// TableName keeps the table name stable regardless of gorm pluralization.
func (BarRow) TableName() string { return "bars" }

// Recorder journals bars asynchronously.
type Recorder struct {
	db      *gorm.DB
	queue   chan BarRow
	dropped atomic.Uint64
}

// New opens the database, migrates the bars table and returns a
// recorder ready to Run.
func New(dsn string, queueSize int) (*Recorder, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open recorder database")
	}
	if err := db.AutoMigrate(&BarRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate bars table")
	}
	if queueSize <= 0 {
		queueSize = 8192
	}
	return &Recorder{db: db, queue: make(chan BarRow, queueSize)}, nil
}

// Record enqueues one bar. Never blocks; a full queue drops the bar and
// bumps the drop counter.
func (r *Recorder) Record(bar proto.Bar) {
	if r == nil {
		return
	}
	row := BarRow{
		Symbol:      bar.Symbol,
		IntervalMs:  bar.IntervalMs,
		WindowStart: bar.WindowStart,
		WindowEnd:   bar.WindowEnd,
		Open:        bar.Open,
		High:        bar.High,
		Low:         bar.Low,
		Close:       bar.Close,
		Volume:      bar.Volume,
		TradeCount:  bar.TradeCount,
		VWAP:        bar.VWAP,
	}
	select {
	case r.queue <- row:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			logs.Warnf("recorder: journal queue full, %d bars dropped so far", n)
		}
	}
}

// Dropped reports the number of bars lost to a full journal queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued bars in batches until ctx is done, then drains what
// is already queued.
func (r *Recorder) Run(ctx context.Context) error {
	batch := make([]BarRow, 0, flushBatch)
	for {
		select {
		case <-ctx.Done():
			r.drain(batch[:0])
			return ctx.Err()
		case row := <-r.queue:
			batch = append(batch[:0], row)
		fill:
			for len(batch) < flushBatch {
				select {
				case next := <-r.queue:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			r.flush(batch)
		}
	}
}

func (r *Recorder) flush(batch []BarRow) {
	if len(batch) == 0 {
		return
	}
	if err := r.db.Create(&batch).Error; err != nil {
		logs.Errorf("recorder: writing %d bars failed: %v", len(batch), err)
	}
}

func (r *Recorder) drain(batch []BarRow) {
	for {
		select {
		case row := <-r.queue:
			batch = append(batch, row)
			if len(batch) == flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		default:
			r.flush(batch)
			return
		}
	}
}

// Close releases the connection pool.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
