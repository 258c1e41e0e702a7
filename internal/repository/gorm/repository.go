package gormrepository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"swingalgo/internal/models"
	"swingalgo/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func withStrategies(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Strategies", func(tx *gorm.DB) *gorm.DB {
			return tx.Where("active = ?", true).Order("id")
		}).
		Preload("Strategies.Scripts", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id")
		})
}

func (s *Store) ListEligibleUsers(ctx context.Context, partition repository.Partition) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var users []models.User
	err := withStrategies(s.db.WithContext(ctx)).
		Where("broker_key_id <> '' AND broker_secret_key <> ''").
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	if partition == nil {
		return users, nil
	}
	out := users[:0]
	for _, u := range users {
		if partition.Owns(u.ID) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var user models.User
	err := withStrategies(s.db.WithContext(ctx)).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetScript(ctx context.Context, id uint64) (*models.Script, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Script
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// SaveScript writes every column, including nil pointers, so cleared
// thresholds and dates persist as NULL.
func (s *Store) SaveScript(ctx context.Context, script *models.Script) error {
	if s == nil || s.db == nil || script == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(script).Error
}

func (s *Store) ListPendingOrderScripts(ctx context.Context, limit int) ([]models.Script, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var items []models.Script
	err := s.db.WithContext(ctx).
		Where("pending_order_id <> ''").
		Order("updated_at").
		Limit(limit).
		Find(&items).Error
	return items, err
}

type archiveData struct {
	UserID           uint64   `json:"user_id"`
	Status           string   `json:"status"`
	EntryThreshold   *float64 `json:"entry_threshold"`
	WeightedAvgPrice *float64 `json:"weighted_avg_price"`
	CumulativeQty    float64  `json:"cumulative_qty"`
	TradeCount       int      `json:"trade_count"`
	LastTradeDate    string   `json:"last_trade_date"`
}

func (s *Store) ArchiveSoldOut(ctx context.Context, cutoff, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	archived := 0
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		var stale []models.Script
		if err := tx.
			Where("status = ?", models.StatusSoldOut).
			Where("last_trade_date IS NOT NULL AND last_trade_date < ?", cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		for i := range stale {
			sc := &stale[i]
			data, err := json.Marshal(archiveData{
				UserID:           sc.UserID,
				Status:           sc.Status,
				EntryThreshold:   sc.EntryThreshold,
				WeightedAvgPrice: sc.WeightedAvgPrice,
				CumulativeQty:    sc.CumulativeQty,
				TradeCount:       sc.TradeCount,
				LastTradeDate:    sc.LastTradeDate.Format(time.DateOnly),
			})
			if err != nil {
				return err
			}
			row := models.ScriptArchive{
				OriginalID:    sc.ID,
				StrategySetID: sc.StrategySetID,
				Symbol:        sc.Symbol,
				ArchivedAt:    now.UTC(),
				Data:          datatypes.JSON(data),
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Script{}).
				Where("id = ?", sc.ID).
				Update("status", models.StatusArchived).Error; err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	return archived, err
}
