package main

import (
	"github.com/luxfi/hftsim/pkg/types"
)

// runDemo rests a bid at 99.50 and trades 15 through it once the order has
// arrived.
func (s *Simulator) runDemo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.engine
	if err := e.SetMid(0, 100); err != nil {
		return err
	}
	if err := s.pretrade.Check(99.50, 10, types.Bid); err != nil {
		return err
	}
	if err := e.SubmitOrder(1, 99.50, 10, types.Bid); err != nil {
		return err
	}
	if err := e.SetMid(1_000_000, 100); err != nil {
		return err
	}
	if err := e.StepLatency(); err != nil {
		return err
	}

	// A sell aggressor trades through our bid.
	matches, err := e.InjectTrade(2_000_000, 99.50, 15, types.Ask)
	if err != nil {
		return err
	}
	for _, m := range matches {
		e.ExecuteFill(m.OrderID, m.Qty, 99.50, types.Bid)
	}
	s.candles.AddTrade(2_000_000, types.Trade{Price: 99.50, Qty: 15, Side: types.Ask})
	s.candles.Flush()
	return nil
}
