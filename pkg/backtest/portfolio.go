package backtest

import "math"

// portfolio tracks a single-instrument position with fees. Positions may
// be long or short; crossing through zero re-opens at the execution price.
type portfolio struct {
	cash       float64
	pos        float64
	avgCost    float64
	realized   float64
	unrealized float64
	feeBps     float64
}

// apply executes a fill. It returns the realized PnL of any closed
// portion, the fee charged, and whether a close occurred.
func (p *portfolio) apply(isBuy bool, execPx, qty float64) (realized, fee float64, closed bool) {
	if qty <= 0 || execPx <= 0 {
		return 0, 0, false
	}
	side := 1.0
	if !isBuy {
		side = -1.0
	}
	fee = p.fee(execPx, qty)

	posSign := 0.0
	if p.pos > 0 {
		posSign = 1
	} else if p.pos < 0 {
		posSign = -1
	}

	// Adding in the same direction: update the weighted average cost.
	if posSign == 0 || posSign == side {
		if p.pos == 0 {
			p.avgCost = execPx
		} else {
			total := math.Abs(p.pos) + qty
			p.avgCost = (p.avgCost*math.Abs(p.pos) + execPx*qty) / total
		}
		p.pos += side * qty
		p.cash -= fee
		return 0, fee, false
	}

	// Opposite direction: close part or all of the position first.
	closeQty := math.Min(math.Abs(p.pos), qty)
	if p.pos > 0 {
		realized = (execPx - p.avgCost) * closeQty
	} else {
		realized = (p.avgCost - execPx) * closeQty
	}
	p.cash += realized - fee
	p.realized += realized
	closed = true

	if closeQty == math.Abs(p.pos) {
		p.pos = 0
		p.avgCost = 0
	} else if p.pos > 0 {
		p.pos -= closeQty
	} else {
		p.pos += closeQty
	}

	// The remainder, if any, opens a fresh position on the new side.
	if remaining := qty - closeQty; remaining > 0 {
		p.pos += side * remaining
		p.avgCost = execPx
	}
	return realized, fee, closed
}

func (p *portfolio) equity(lastPx float64) float64 {
	p.unrealized = 0
	if p.pos > 0 {
		p.unrealized = (lastPx - p.avgCost) * p.pos
	} else if p.pos < 0 {
		p.unrealized = (p.avgCost - lastPx) * math.Abs(p.pos)
	}
	return p.cash + p.unrealized
}

func (p *portfolio) fee(px, qty float64) float64 {
	if p.feeBps == 0 {
		return 0
	}
	return px * qty * (p.feeBps / 10000.0)
}
