package store

import (
	"context"
	"errors"
	"time"

	"arena/internal/engine"
	"arena/internal/model"
	"arena/internal/session"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type epochRow struct {
	Number     uint64    `gorm:"primaryKey;autoIncrement:false"`
	StartedAt  time.Time `gorm:"not null"`
	EndedAt    time.Time `gorm:"not null;index"`
	Agents     int       `gorm:"not null"`
	Eliminated int       `gorm:"not null"`
	Payload    string    `gorm:"type:text;not null"`
}

func (epochRow) TableName() string { return "arena_epochs" }

type eliminationRow struct {
	AgentID      string          `gorm:"primaryKey;size:64"`
	GroupID      int             `gorm:"not null"`
	Epoch        uint64          `gorm:"not null;index"`
	FinalRank    int             `gorm:"not null"`
	FinalBalance decimal.Decimal `gorm:"type:numeric;not null"`
	Account      string          `gorm:"type:text;not null"`
	ArchivedAt   time.Time       `gorm:"not null"`
}

func (eliminationRow) TableName() string { return "arena_eliminations" }

// DB is an Archive on a gorm database.
type DB struct {
	db *gorm.DB
}

// NewDB migrates the archive tables and returns the store.
func NewDB(db *gorm.DB) (*DB, error) {
	if err := db.AutoMigrate(&epochRow{}, &eliminationRow{}); err != nil {
		return nil, yerrors.Wrap(err, "migrate archive tables")
	}
	return &DB{db: db}, nil
}

func (s *DB) SaveEpoch(ctx context.Context, e model.Epoch, archived []session.Archived) error {
	payload, err := sonic.MarshalString(e)
	if err != nil {
		return yerrors.Wrap(err, "marshal epoch")
	}
	row := epochRow{
		Number:     e.Number,
		StartedAt:  e.StartedAt.UTC(),
		EndedAt:    e.EndedAt.UTC(),
		Agents:     len(e.Rankings),
		Eliminated: len(e.Eliminated),
		Payload:    payload,
	}
	rows := make([]eliminationRow, 0, len(archived))
	for _, a := range archived {
		acc, err := sonic.MarshalString(a.Final)
		if err != nil {
			return yerrors.Wrapf(err, "marshal final account of %s", a.AgentID)
		}
		rows = append(rows, eliminationRow{
			AgentID:      a.AgentID,
			GroupID:      a.GroupID,
			Epoch:        a.Epoch,
			FinalRank:    a.FinalRank,
			FinalBalance: a.Final.Balance,
			Account:      acc,
			ArchivedAt:   a.ArchivedAt.UTC(),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return yerrors.Wrapf(err, "save epoch %d", e.Number)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
			return yerrors.Wrapf(err, "save eliminations of epoch %d", e.Number)
		}
		return nil
	})
}

func (s *DB) ListEpochs(ctx context.Context, limit int) ([]model.Epoch, error) {
	q := s.db.WithContext(ctx).Order("number desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []epochRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, yerrors.Wrap(err, "list epochs")
	}
	out := make([]model.Epoch, 0, len(rows))
	for _, r := range rows {
		var e model.Epoch
		if err := sonic.UnmarshalString(r.Payload, &e); err != nil {
			return nil, yerrors.Wrapf(err, "decode epoch %d", r.Number)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *DB) Eliminated(ctx context.Context, agentID string) (session.Archived, bool, error) {
	var row eliminationRow
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Archived{}, false, nil
	}
	if err != nil {
		return session.Archived{}, false, yerrors.Wrapf(err, "load elimination of %s", agentID)
	}
	var acc engine.AccountState
	if err := sonic.UnmarshalString(row.Account, &acc); err != nil {
		return session.Archived{}, false, yerrors.Wrapf(err, "decode final account of %s", agentID)
	}
	return session.Archived{
		AgentID:    row.AgentID,
		GroupID:    row.GroupID,
		Epoch:      row.Epoch,
		FinalRank:  row.FinalRank,
		Final:      acc,
		ArchivedAt: row.ArchivedAt,
	}, true, nil
}
