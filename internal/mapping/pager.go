package mapping

// DefaultIncrement is the number of chips revealed per step.
const DefaultIncrement = 10

// Pager reveals a list in fixed increments.
type Pager struct {
	total   int
	step    int
	visible int
}

func NewPager(total, step int) *Pager {
	if step <= 0 {
		step = DefaultIncrement
	}
	p := &Pager{total: total, step: step}
	p.Less()
	return p
}

func (p *Pager) Visible() int { return p.visible }

func (p *Pager) Total() int { return p.total }

// More reveals the next increment, capped at the total.
func (p *Pager) More() int {
	p.visible = min(p.visible+p.step, p.total)
	return p.visible
}

// Less collapses back to the first increment.
func (p *Pager) Less() int {
	p.visible = min(p.step, p.total)
	return p.visible
}

func (p *Pager) HasMore() bool { return p.total > p.step && p.visible < p.total }

func (p *Pager) Remaining() int { return p.total - p.visible }

// SetVisible restores a previously revealed count.
func (p *Pager) SetVisible(n int) {
	p.visible = max(min(n, p.total), min(p.step, p.total))
}
