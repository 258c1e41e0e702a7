package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingalgo/internal/strategy"
)

func TestJournalAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	j, err := OpenJournal(path, nil)
	require.NoError(t, err)

	j.Append(Entry{RunID: "r1", Symbol: "AAPL", Action: strategy.Buy, Outcome: outcomeSubmitted})
	j.Append(Entry{RunID: "r1", Symbol: "MSFT", Action: strategy.Sell, Outcome: "exit_already_today"})
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var got []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, strategy.Sell, got[1].Action)
	assert.Equal(t, "exit_already_today", got[1].Outcome)
}

func TestJournalNilIsNoop(t *testing.T) {
	j, err := OpenJournal("", nil)
	require.NoError(t, err)
	assert.Nil(t, j)
	j.Append(Entry{RunID: "ignored"})
	assert.NoError(t, j.Close())
}
