package enrich

// RunGuard is a single-slot token that keeps batches from overlapping.
// The zero value is not usable; call NewRunGuard.
type RunGuard struct {
	token chan struct{}
}

func NewRunGuard() *RunGuard {
	g := &RunGuard{token: make(chan struct{}, 1)}
	g.token <- struct{}{}
	return g
}

// TryAcquire takes the token without blocking and reports whether it succeeded.
func (g *RunGuard) TryAcquire() bool {
	select {
	case <-g.token:
		return true
	default:
		return false
	}
}

// Release returns the token. It must only be called after a successful TryAcquire.
func (g *RunGuard) Release() {
	select {
	case g.token <- struct{}{}:
	default:
		panic("enrich: RunGuard released without being held")
	}
}

// Busy reports whether a batch currently holds the token.
func (g *RunGuard) Busy() bool {
	return len(g.token) == 0
}
