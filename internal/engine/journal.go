package engine

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/strategy"
)

// Entry is one line of the decision journal.
type Entry struct {
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        uint64          `json:"user_id"`
	ScriptID      uint64          `json:"script_id"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	LivePrice     float64         `json:"live_price"`
	Action        strategy.Action `json:"action"`
	Qty           int             `json:"qty,omitempty"`
	Notional      float64         `json:"notional,omitempty"`
	Outcome       string          `json:"outcome"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// Journal appends decisions as NDJSON. A nil Journal discards entries.
type Journal struct {
	closer io.Closer
	writer *bufio.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j := NewJournal(file, logger)
	j.closer = file
	return j, nil
}

func NewJournal(w io.Writer, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{writer: bufio.NewWriter(w), logger: logger}
}

func (j *Journal) Append(entry Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	payload, err := json.Marshal(entry)
	if err != nil {
		j.logger.Warn("decision not encoded", zap.Error(err))
		return
	}
	if _, err := j.writer.Write(append(payload, '\n')); err != nil {
		j.logger.Warn("decision not written", zap.Error(err))
		return
	}
	if err := j.writer.Flush(); err != nil {
		j.logger.Warn("decision journal flush failed", zap.Error(err))
	}
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		if j.closer != nil {
			_ = j.closer.Close()
		}
		return err
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
