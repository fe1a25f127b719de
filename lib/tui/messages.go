package tui

import (
	"time"

	"github.com/memkeep/memkeep/lib/rpc"
)

// refreshMsg contains refreshed data from RPC.
type refreshMsg struct {
	status    *rpc.StatusResult
	pool      *rpc.PoolStatsResult
	memories  []string
	scheduled bool
	err       error
}

// tickMsg triggers a data refresh.
type tickMsg time.Time

// savedMsg carries the result text of a save.
type savedMsg struct {
	text   string
	result string
}

// searchedMsg carries the result text of a search.
type searchedMsg struct {
	query  string
	result string
}

// errMsg represents an RPC failure.
type errMsg struct {
	err error
}
