package backtest

import (
	"github.com/luxfi/hftsim/pkg/types"
)

// State is the engine's mutable run state. Only the engine writes it; the
// copies handed out by Engine.State are detached.
type State struct {
	TimeNs    int64        `json:"timeNs"`
	Mid       float64      `json:"mid"`
	HasMid    bool         `json:"hasMid"`
	Inventory float64      `json:"inventory"`
	PnL       float64      `json:"pnl"`
	Fills     []types.Fill `json:"fills"`
}

// Equity marks the inventory at mark and adds the cash PnL.
func (s State) Equity(mark float64) float64 {
	return s.PnL + s.Inventory*mark
}

func (s State) clone() State {
	c := s
	c.Fills = make([]types.Fill, len(s.Fills))
	copy(c.Fills, s.Fills)
	return c
}

// Report summarizes a run for the reporting layer.
type Report struct {
	TimeNs       int64   `json:"timeNs"`
	Mid          float64 `json:"mid"`
	HasMid       bool    `json:"hasMid"`
	Fills        int     `json:"fills"`
	BoughtQty    float64 `json:"boughtQty"`
	SoldQty      float64 `json:"soldQty"`
	Inventory    float64 `json:"inventory"`
	PnL          float64 `json:"pnl"`
	Equity       float64 `json:"equity"`
	Pending      int     `json:"pending"`
	RestingCount int     `json:"resting"`
}
