package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirrorhq/copytrader/types"
)

// Store is the gorm-backed ledger, SQLite for a file path and PostgreSQL for
// a postgres:// DSN
type Store struct {
	db *gorm.DB
}

// Record is the persisted form of a ledger entry
type Record struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ExecutionID   string `gorm:"index"`
	AgentID       string `gorm:"index"`
	SourceTradeID string `gorm:"index"`
	Market        string
	Side          string
	Phase         string
	Status        string `gorm:"index"`
	Reason        string
	Attempts      int
	OrderID       string
	Price         decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size          decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledSize    decimal.Decimal `gorm:"type:decimal(20,6)"`
	RecordedAt    time.Time       `gorm:"index"`
	CreatedAt     time.Time
}

// New opens the ledger database and migrates the schema
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Ledger connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Ledger initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Record appends one entry
func (s *Store) Record(ctx context.Context, e Entry) error {
	rec := Record{
		ExecutionID:   e.ExecutionID,
		AgentID:       e.AgentID,
		SourceTradeID: e.SourceTradeID,
		Market:        e.Market,
		Side:          string(e.Side),
		Phase:         string(e.Phase),
		Status:        string(e.Status),
		Reason:        e.Reason,
		Attempts:      e.Attempts,
		OrderID:       e.OrderID,
		Price:         e.Price,
		Size:          e.Size,
		FilledSize:    e.FilledSize,
		RecordedAt:    e.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// OpenExecutions returns the latest entry of every execution left Active.
// Used on startup to resume in-flight orders.
func (s *Store) OpenExecutions(ctx context.Context) ([]Entry, error) {
	var recs []Record
	// Latest record per execution, filtered to Active.
	sub := s.db.Model(&Record{}).
		Select("execution_id, MAX(id) AS max_id").
		Group("execution_id")
	err := s.db.WithContext(ctx).
		Joins("JOIN (?) latest ON latest.max_id = records.id", sub).
		Where("records.status = ?", string(types.StatusActive)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEntry())
	}
	return out, nil
}

// History returns every entry for one execution in append order
func (s *Store) History(ctx context.Context, executionID string) ([]Entry, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEntry())
	}
	return out, nil
}

func (r Record) toEntry() Entry {
	return Entry{
		ExecutionID:   r.ExecutionID,
		AgentID:       r.AgentID,
		SourceTradeID: r.SourceTradeID,
		Market:        r.Market,
		Side:          types.Side(r.Side),
		Phase:         types.Phase(r.Phase),
		Status:        types.Status(r.Status),
		Reason:        r.Reason,
		Attempts:      r.Attempts,
		OrderID:       r.OrderID,
		Price:         r.Price,
		Size:          r.Size,
		FilledSize:    r.FilledSize,
		Timestamp:     r.RecordedAt,
	}
}

// SourceTrades returns the distinct (agent, source trade) pairs recorded
// since the cutoff, for seeding the monitor's dedup sets on startup
func (s *Store) SourceTrades(ctx context.Context, since time.Time) ([]SourceTradeRef, error) {
	var refs []SourceTradeRef
	err := s.db.WithContext(ctx).Model(&Record{}).
		Distinct("agent_id", "source_trade_id").
		Where("source_trade_id <> '' AND recorded_at >= ?", since).
		Find(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD AGGREGATION
// ═══════════════════════════════════════════════════════════════════════════════

// Stats aggregates terminal outcomes for one agent
func (s *Store) Stats(ctx context.Context, agentID string) (types.AgentStats, error) {
	stats := types.AgentStats{AgentID: agentID}

	type row struct {
		Status string
		N      int64
		Volume decimal.Decimal
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(filled_size * price), 0) AS volume").
		Where("agent_id = ? AND status IN ?", agentID, []string{
			string(types.StatusCompleted),
			string(types.StatusFailed),
			string(types.StatusSkipped),
		}).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return stats, err
	}

	for _, r := range rows {
		switch types.Status(r.Status) {
		case types.StatusCompleted:
			stats.Completed = r.N
			stats.TotalVolume = stats.TotalVolume.Add(r.Volume)
		case types.StatusFailed:
			stats.Failed = r.N
			stats.TotalVolume = stats.TotalVolume.Add(r.Volume)
		case types.StatusSkipped:
			stats.Skipped = r.N
		}
	}
	stats.TotalTrades = stats.Completed + stats.Failed

	if stats.TotalTrades > 0 {
		stats.SuccessRate = decimal.NewFromInt(stats.Completed).
			Div(decimal.NewFromInt(stats.TotalTrades)).
			Mul(decimal.NewFromInt(100)).
			Round(1)
	}
	return stats, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
