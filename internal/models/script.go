package models

import (
	"time"

	"gorm.io/datatypes"
)

// Script lifecycle statuses.
const (
	StatusWaiting  = "Waiting"
	StatusRunning  = "Running"
	StatusPaused   = "Paused"
	StatusSoldOut  = "Sold-out"
	StatusFailed   = "Failed"
	StatusArchived = "Archived"
)

// Script is one tradable instrument under a strategy set. Date columns hold
// exchange calendar days as UTC midnight.
type Script struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	StrategySetID uint64 `gorm:"not null;index:idx_script_set_status,priority:1"`
	UserID        uint64 `gorm:"not null;index"`
	Symbol        string `gorm:"type:varchar(32);not null"`
	Token         string `gorm:"type:varchar(100)"`
	Status        string `gorm:"type:varchar(20);not null;default:Waiting;index:idx_script_set_status,priority:2"`
	LTP           float64

	EntryThreshold       *float64
	EntryThresholdDate   *time.Time `gorm:"type:date"`
	ReentryThreshold     *float64
	ReentryThresholdDate *time.Time `gorm:"type:date"`

	CumulativeQty    float64 `gorm:"not null;default:0"`
	WeightedAvgPrice *float64
	LastBuyPrice     *float64
	TradeCount       int `gorm:"not null;default:0"`

	LastEntryDate    *time.Time `gorm:"type:date"`
	LastTradeDate    *time.Time `gorm:"type:date;index"`
	LastOrderTime    *time.Time
	FailureTimestamp *time.Time
	FailureReason    string `gorm:"type:varchar(255)"`

	PendingOrderID string `gorm:"type:varchar(64);index"`
	PendingAction  string `gorm:"type:varchar(16)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Script) TableName() string {
	return "scripts"
}

// ResetDaily returns the script to a clean Waiting state. Applying it twice
// yields the same result.
func (s *Script) ResetDaily() {
	s.Status = StatusWaiting
	s.EntryThreshold = nil
	s.EntryThresholdDate = nil
	s.ReentryThreshold = nil
	s.ReentryThresholdDate = nil
	s.LastEntryDate = nil
	s.LastTradeDate = nil
	s.LastOrderTime = nil
	s.CumulativeQty = 0
	s.WeightedAvgPrice = nil
	s.LastBuyPrice = nil
	s.TradeCount = 0
	s.FailureTimestamp = nil
	s.FailureReason = ""
	s.PendingOrderID = ""
	s.PendingAction = ""
}

// MarkFailed stamps the failure and drops any pending order reference.
func (s *Script) MarkFailed(now time.Time, reason string) {
	ts := now.UTC()
	s.Status = StatusFailed
	s.FailureTimestamp = &ts
	s.FailureReason = reason
	s.PendingOrderID = ""
	s.PendingAction = ""
}

// ClearPosition drops the recorded position after a broker rejection so no
// phantom holding survives.
func (s *Script) ClearPosition() {
	s.CumulativeQty = 0
	s.WeightedAvgPrice = nil
}

// HasPosition reports whether the script ever traded or still holds shares.
func (s *Script) HasPosition() bool {
	return s.CumulativeQty+float64(s.TradeCount) > 0
}

// ScriptArchive keeps a snapshot of a script swept out of active trading.
type ScriptArchive struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement"`
	OriginalID    uint64         `gorm:"not null;uniqueIndex"`
	StrategySetID uint64         `gorm:"not null;index"`
	Symbol        string         `gorm:"type:varchar(32);not null"`
	ArchivedAt    time.Time      `gorm:"not null"`
	Data          datatypes.JSON `gorm:"not null"`
}

func (ScriptArchive) TableName() string {
	return "script_archives"
}
