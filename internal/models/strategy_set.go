package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"swingalgo/internal/strategy"
)

// StrategySet is the shared rule set applied to its scripts.
type StrategySet struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	UserID uint64 `gorm:"not null;index:idx_strategy_set_user_active,priority:1"`
	Name   string `gorm:"type:varchar(100);not null"`
	Active bool   `gorm:"not null;default:true;index:idx_strategy_set_user_active,priority:2"`

	EntryBasis        string  `gorm:"type:varchar(20);not null;default:close"`
	EntryPercentage   float64 `gorm:"not null;default:0"`
	InvestmentType    string  `gorm:"type:varchar(20);not null;default:quantity"`
	InvestmentValue   float64 `gorm:"not null;default:0"`
	ProfitTargetType  string  `gorm:"type:varchar(20);not null;default:percentage"`
	ProfitTargetValue float64 `gorm:"not null;default:0"`
	StopLossType      string  `gorm:"type:varchar(20);not null;default:percentage"`
	StopLossValue     float64 `gorm:"not null;default:0"`
	ExecutionTime     string  `gorm:"type:varchar(20)"`

	ReentryParams datatypes.JSON

	Scripts []Script `gorm:"foreignKey:StrategySetID"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (StrategySet) TableName() string {
	return "strategy_sets"
}

// Reentry decodes the re-entry mapping. An empty column decodes to no triggers.
func (s *StrategySet) Reentry() (strategy.ReentryParams, error) {
	var params strategy.ReentryParams
	if s == nil || len(s.ReentryParams) == 0 || string(s.ReentryParams) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(s.ReentryParams, &params); err != nil {
		return strategy.ReentryParams{}, fmt.Errorf("decode reentry params of strategy %d: %w", s.ID, err)
	}
	return params, nil
}

// Basis is the entry basis, defaulting to close when unset or invalid.
func (s *StrategySet) Basis() strategy.Basis {
	b, err := strategy.ParseBasis(s.EntryBasis)
	if err != nil {
		return strategy.BasisClose
	}
	return b
}
