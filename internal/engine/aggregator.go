package engine

// Summary holds fleet-wide counts, recomputed as each result arrives so
// callers can render live progress.
type Summary struct {
	Completed            int
	Online               int
	Offline              int
	AuthFailed           int
	TimedOut             int
	Cancelled            int
	Succeeded            int
	Failed               int
	HostsWithUpgrades    int
	TotalPendingUpgrades int
	TotalUpgraded        int
	TotalRemoved         int
	HostsNeedingReboot   int
}

// Aggregator consumes the result stream of one fleet run and maintains
// the host id → latest result mapping plus incremental summary counts.
// All writes arrive through Add; the result stream is the single-writer
// boundary, tasks never touch the map directly.
type Aggregator struct {
	latest map[string]HostResult
	order  []string
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{latest: make(map[string]HostResult)}
}

// Reset clears accumulated data for a fresh run.
func (a *Aggregator) Reset() {
	a.latest = make(map[string]HostResult)
	a.order = nil
}

// Add records a result, replacing any earlier result for the same host.
func (a *Aggregator) Add(r HostResult) {
	if _, seen := a.latest[r.HostID]; !seen {
		a.order = append(a.order, r.HostID)
	}
	a.latest[r.HostID] = r
}

// Result returns the latest result for a host id.
func (a *Aggregator) Result(hostID string) (HostResult, bool) {
	r, ok := a.latest[hostID]
	return r, ok
}

// Results returns all results in arrival order.
func (a *Aggregator) Results() []HostResult {
	out := make([]HostResult, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.latest[id])
	}
	return out
}

// Summary computes fleet-wide counts over the recorded results.
func (a *Aggregator) Summary() Summary {
	var s Summary
	for _, id := range a.order {
		r := a.latest[id]
		s.Completed++
		if r.Status.Online() {
			s.Online++
		}
		switch r.Status {
		case StatusOffline:
			s.Offline++
		case StatusAuthFail:
			s.AuthFailed++
		case StatusTimedOut:
			s.TimedOut++
		case StatusCancelled:
			s.Cancelled++
		case StatusFailed:
			s.Failed++
		case StatusSucceeded:
			s.Succeeded++
		}
		if r.Delta.ToUpgrade > 0 {
			s.HostsWithUpgrades++
		}
		s.TotalPendingUpgrades += r.Delta.ToUpgrade
		s.TotalUpgraded += r.Delta.Upgraded
		s.TotalRemoved += r.Delta.Removed
		if r.RebootRequired {
			s.HostsNeedingReboot++
		}
	}
	return s
}

// Collect drains ch into the aggregator, invoking onResult (when
// non-nil) after each arrival, and returns the final result set in
// completion order. Collect is the intended single consumer of a run's
// stream: it serializes all map updates on one goroutine.
func (a *Aggregator) Collect(ch <-chan HostResult, onResult func(HostResult, Summary)) []HostResult {
	for r := range ch {
		a.Add(r)
		if onResult != nil {
			onResult(r, a.Summary())
		}
	}
	return a.Results()
}
