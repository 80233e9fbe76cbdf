package backtest

import (
	"context"
	"math"
	"sort"

	"quotemirror/pkg/provider"
)

// Pyramid is a long-only averaging strategy: it buys a lot every time the
// price drops one gap below the cheapest previous buy, and sells the
// smallest lot every time the price rises one gap above the highest
// previous sell. Lot sizes grow with depth, so deeper dips deploy more
// cash.
type Pyramid struct {
	MaxLots int     // number of lots, defaults to 5
	BuyGap  float64 // drop fraction that triggers the next buy, defaults to 0.05
	SellGap float64 // rise fraction that triggers the next sell, defaults to 0.05
	Budget  float64 // cash available for buys, defaults to 100000

	initialized  bool
	buyIdxes     []int
	sellIdxes    []int
	lots         []float64
	lotWeights   []float64
	cash         float64
	buyMinPrice  float64 // zero means unset
	sellMaxPrice float64 // zero means unset
}

func (s *Pyramid) init() {
	if s.MaxLots <= 0 {
		s.MaxLots = 5
	}
	if s.BuyGap <= 0 {
		s.BuyGap = 0.05
	}
	if s.SellGap <= 0 {
		s.SellGap = 0.05
	}
	if s.Budget <= 0 {
		s.Budget = 100000
	}
	s.buyIdxes = make([]int, s.MaxLots)
	s.lotWeights = make([]float64, s.MaxLots)
	for i := range s.buyIdxes {
		s.buyIdxes[i] = i
		s.lotWeights[i] = float64(i + 1)
	}
	s.cash = s.Budget
	s.initialized = true
}

// Decide implements Strategy.
func (s *Pyramid) Decide(_ context.Context, bar provider.Bar, position float64) ([]Order, error) {
	if !s.initialized {
		s.init()
	}
	s.reconcile(bar, position)

	if order, ok := s.tryBuy(bar); ok {
		return []Order{order}, nil
	}
	if order, ok := s.trySell(bar); ok {
		return []Order{order}, nil
	}
	return nil, nil
}

// reconcile folds the engine-reported position back into the lot list, so
// partially filled or externally adjusted positions stay consistent.
func (s *Pyramid) reconcile(bar provider.Bar, position float64) {
	const eps = 1e-3
	tracked := sum(s.lots)
	switch {
	case position-tracked > eps: // a buy filled
		s.lots = append(s.lots, position-tracked)
		sort.Float64s(s.lots)
		if s.buyMinPrice == 0 || bar.Open < s.buyMinPrice {
			s.buyMinPrice = bar.Open
		}
	case tracked-position > eps: // a sell filled
		s.lots = s.lots[1:]
		if s.sellMaxPrice == 0 || bar.Open > s.sellMaxPrice {
			s.sellMaxPrice = bar.Open
		}
		if position < eps {
			s.buyMinPrice = 0
			s.sellMaxPrice = 0
		}
	}
}

func (s *Pyramid) tryBuy(bar provider.Bar) (Order, bool) {
	if len(s.buyIdxes) == 0 || len(s.sellIdxes) > len(s.lots) {
		return Order{}, false
	}
	if s.buyMinPrice != 0 && bar.Close > s.buyMinPrice*(1-s.BuyGap) {
		return Order{}, false
	}
	if bar.Close <= 0 || s.cash <= 0 {
		return Order{}, false
	}

	idx := s.buyIdxes[0]
	weightTotal := s.lotWeights[idx]
	for _, i := range s.buyIdxes[1:] {
		weightTotal += s.lotWeights[i]
	}
	usedPct := s.lotWeights[idx] / weightTotal

	s.buyIdxes = s.buyIdxes[1:]
	s.sellIdxes = append(s.sellIdxes, idx)
	sort.Ints(s.sellIdxes)

	qty := math.Floor(usedPct * s.cash / bar.Close)
	if qty <= 0 {
		return Order{}, false
	}
	s.cash -= qty * bar.Close
	return Order{Buy: true, Quantity: qty}, true
}

func (s *Pyramid) trySell(bar provider.Bar) (Order, bool) {
	if len(s.sellIdxes) == 0 || len(s.lots) == 0 {
		return Order{}, false
	}
	if s.buyMinPrice == 0 || bar.Close < s.buyMinPrice*(1+s.SellGap) {
		return Order{}, false
	}
	if s.sellMaxPrice != 0 && bar.Close < s.sellMaxPrice*(1+s.SellGap) {
		return Order{}, false
	}

	idx := s.sellIdxes[0]
	s.sellIdxes = s.sellIdxes[1:]
	s.buyIdxes = append(s.buyIdxes, idx)
	sort.Ints(s.buyIdxes)

	qty := s.lots[0]
	s.cash += qty * bar.Close
	return Order{Buy: false, Quantity: qty}, true
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}
