package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/cache"
	"swingalgo/internal/models"
)

// ScriptState is the observer-facing view of one active script.
type ScriptState struct {
	ScriptID         uint64        `json:"script_id"`
	Token            string        `json:"token"`
	ThresholdPrice   float64       `json:"threshold_price"`
	WeightedAvgPrice float64       `json:"weighted_avg_price"`
	TotalQuantity    float64       `json:"total_quantity"`
	TradeCount       int           `json:"trade_count"`
	StrategyParams   any           `json:"strategy_params"`
	PositionOpen     bool          `json:"position_open"`
	LastTradeDate    *string       `json:"last_trade_date"`
	CurrentLTP       float64       `json:"current_ltp"`
	Status           string        `json:"status"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	Configuration    Configuration `json:"configuration"`
}

type Configuration struct {
	EntryBasis        string  `json:"entry_basis"`
	EntryPercentage   float64 `json:"entry_percentage"`
	InvestmentType    string  `json:"investment_type"`
	InvestmentValue   float64 `json:"investment_value"`
	ProfitTargetType  string  `json:"profit_target_type"`
	ProfitTargetValue float64 `json:"profit_target_value"`
	StopLossType      string  `json:"stop_loss_type"`
	StopLossValue     float64 `json:"stop_loss_value"`
	ExecutionTime     string  `json:"execution_time"`
	ReentryParams     any     `json:"reentry_params"`
}

// Snapshot maps symbol to script state for one user.
type Snapshot map[string]ScriptState

// BuildSnapshot lists the user's scripts that are neither Sold-out nor
// Archived. A zero stored LTP falls back to the previous snapshot's price.
func BuildSnapshot(user *models.User, existing Snapshot) Snapshot {
	out := Snapshot{}
	if user == nil {
		return out
	}
	for _, set := range user.Strategies {
		params := reentryView(&set)
		cfg := Configuration{
			EntryBasis:        set.EntryBasis,
			EntryPercentage:   set.EntryPercentage,
			InvestmentType:    set.InvestmentType,
			InvestmentValue:   set.InvestmentValue,
			ProfitTargetType:  set.ProfitTargetType,
			ProfitTargetValue: set.ProfitTargetValue,
			StopLossType:      set.StopLossType,
			StopLossValue:     set.StopLossValue,
			ExecutionTime:     set.ExecutionTime,
			ReentryParams:     params,
		}
		for _, sc := range set.Scripts {
			if sc.Status == models.StatusSoldOut || sc.Status == models.StatusArchived {
				continue
			}
			ltp := sc.LTP
			if ltp == 0 {
				ltp = existing[sc.Symbol].CurrentLTP
			}
			st := ScriptState{
				ScriptID:       sc.ID,
				Token:          sc.Token,
				TotalQuantity:  sc.CumulativeQty,
				TradeCount:     sc.TradeCount,
				StrategyParams: params,
				PositionOpen:   sc.Status == models.StatusRunning,
				CurrentLTP:     ltp,
				Status:         sc.Status,
				FailureReason:  sc.FailureReason,
				Configuration:  cfg,
			}
			if sc.EntryThreshold != nil && *sc.EntryThreshold > 0 {
				st.ThresholdPrice = *sc.EntryThreshold
			}
			if sc.WeightedAvgPrice != nil {
				st.WeightedAvgPrice = *sc.WeightedAvgPrice
			}
			if sc.LastTradeDate != nil {
				d := sc.LastTradeDate.Format(time.DateOnly)
				st.LastTradeDate = &d
			}
			out[sc.Symbol] = st
		}
	}
	return out
}

func reentryView(set *models.StrategySet) any {
	params, err := set.Reentry()
	if err != nil || params.Empty() {
		return map[string]any{}
	}
	return params
}

// Store keeps live prices and per-user snapshots in the shared cache.
type Store struct {
	cache    cache.Store
	priceTTL time.Duration
	logger   *zap.Logger
}

func NewStore(c cache.Store, priceTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cache: c, priceTTL: priceTTL, logger: logger}
}

func (s *Store) SetLivePrice(ctx context.Context, symbol string, price float64) error {
	if price <= 0 {
		return nil
	}
	value := strconv.FormatFloat(price, 'f', -1, 64)
	return s.cache.Set(ctx, cache.LivePriceKey(symbol), []byte(value), s.priceTTL)
}

// LivePrice returns the last streamed price for symbol.
func (s *Store) LivePrice(ctx context.Context, symbol string) (float64, bool, error) {
	raw, found, err := s.cache.Get(ctx, cache.LivePriceKey(symbol))
	if err != nil || !found {
		return 0, false, err
	}
	price, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode live price %s: %w", symbol, err)
	}
	return price, price > 0, nil
}

// Snapshot returns the stored snapshot; a missing or corrupt one is empty.
func (s *Store) Snapshot(ctx context.Context, userID uint64) (Snapshot, error) {
	raw, found, err := s.cache.Get(ctx, cache.StrategyStateKey(userID))
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("strategy state unreadable, rebuilding", zap.Uint64("user_id", userID), zap.Error(err))
		return Snapshot{}, nil
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, userID uint64, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.StrategyStateKey(userID), data, 0)
}

// Price resolves the live price for a script: the streamed price first,
// then the snapshot's price.
func (s *Store) Price(ctx context.Context, snap Snapshot, symbol string) (float64, bool) {
	if p, ok, err := s.LivePrice(ctx, symbol); err != nil {
		s.logger.Warn("live price lookup failed", zap.String("symbol", symbol), zap.Error(err))
	} else if ok {
		return p, true
	}
	if st, ok := snap[symbol]; ok && st.CurrentLTP > 0 {
		return st.CurrentLTP, true
	}
	return 0, false
}

// overlayLivePrices copies streamed prices into snap.
func (s *Store) overlayLivePrices(ctx context.Context, snap Snapshot) {
	for symbol, st := range snap {
		if p, ok, err := s.LivePrice(ctx, symbol); err == nil && ok {
			st.CurrentLTP = p
			snap[symbol] = st
		}
	}
}
