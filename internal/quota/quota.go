package quota

import "copyreg/pkg/domain"

// Guard caps the number of live files attached to one application.
type Guard struct {
	Limit int
}

// Default returns the guard used by the registry.
func Default() Guard {
	return Guard{Limit: domain.MaxFilesPerApplication}
}

// Result reports how a proposed batch was split.
type Result struct {
	Admitted     int
	Rejected     int
	LimitReached bool
}

// Admit splits a batch of proposed files given the current live count.
// Files are admitted in submission order until the limit is hit.
func (g Guard) Admit(current, proposed int) Result {
	if proposed <= 0 {
		return Result{LimitReached: current >= g.Limit}
	}
	free := g.Limit - current
	if free <= 0 {
		return Result{Rejected: proposed, LimitReached: true}
	}
	admitted := proposed
	if admitted > free {
		admitted = free
	}
	return Result{
		Admitted:     admitted,
		Rejected:     proposed - admitted,
		LimitReached: current+admitted >= g.Limit && proposed > admitted,
	}
}
