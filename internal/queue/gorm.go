package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/example/saleshub/api-go/internal/model"
)

// queueRow is the relational shape of a queue entry.
type queueRow struct {
	Seq         int64     `gorm:"primaryKey;autoIncrement"`
	ID          string    `gorm:"column:id;size:36;not null;uniqueIndex"`
	UserID      string    `gorm:"column:user_id;not null;uniqueIndex"`
	UserName    string    `gorm:"column:user_name;not null"`
	ProcessType string    `gorm:"column:process_type;not null"`
	JoinedAt    time.Time `gorm:"column:joined_at;not null;index"`
	Status      string    `gorm:"column:status;not null"`
}

func (queueRow) TableName() string { return "queue_entries" }

func (r queueRow) entry() model.QueueEntry {
	return model.QueueEntry{
		ID:          r.ID,
		UserID:      r.UserID,
		UserName:    r.UserName,
		ProcessType: r.ProcessType,
		JoinedAt:    r.JoinedAt.UTC(),
		Status:      r.Status,
		Seq:         r.Seq,
	}
}

// Gorm is a Store over any gorm dialect; production uses postgres.
type Gorm struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the queue table.
func OpenPostgres(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	return NewGorm(db)
}

// NewGorm migrates the queue table on db.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&queueRow{}); err != nil {
		return nil, err
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) List(ctx context.Context) ([]model.QueueEntry, error) {
	var rows []queueRow
	if err := g.db.WithContext(ctx).Order("joined_at ASC").Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (g *Gorm) Join(ctx context.Context, entry model.QueueEntry) (model.QueueEntry, bool, error) {
	row := queueRow{
		ID:          entry.ID,
		UserID:      entry.UserID,
		UserName:    entry.UserName,
		ProcessType: entry.ProcessType,
		JoinedAt:    entry.JoinedAt,
		Status:      entry.Status,
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return model.QueueEntry{}, false, res.Error
	}

	var stored queueRow
	if err := g.db.WithContext(ctx).Where("user_id = ?", entry.UserID).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.QueueEntry{}, false, model.ErrNotFound
		}
		return model.QueueEntry{}, false, err
	}
	return stored.entry(), res.RowsAffected == 1, nil
}

func (g *Gorm) Leave(ctx context.Context, userID string) error {
	return g.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&queueRow{}).Error
}

func (g *Gorm) Prune(ctx context.Context, joinedBefore time.Time) (int, error) {
	res := g.db.WithContext(ctx).Where("joined_at < ?", joinedBefore).Delete(&queueRow{})
	return int(res.RowsAffected), res.Error
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
