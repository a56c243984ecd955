package cas

import (
	"context"
	"fmt"
	"os"
)

// ResolveMode selects how a duplicate group is settled.
type ResolveMode string

const (
	// ResolveUserSelection: the owner picked the path to keep. The other
	// copies are deleted from disk and from the index, and the blob is
	// marked healthy.
	ResolveUserSelection ResolveMode = "user-selection"
	// ResolveAuto: the system kept the first-seen path. The other copies
	// stay on disk but leave the index, and the blob is marked duplicate
	// so the automatic choice remains visible.
	ResolveAuto ResolveMode = "auto-resolve"
)

// Resolution settles one duplicate group. When DeletePaths is empty, every
// recorded path other than KeepPath is pruned.
type Resolution struct {
	SHA256      string
	KeepPath    string
	DeletePaths []string
}

// ResolveRequest applies one mode to a set of groups.
type ResolveRequest struct {
	Mode        ResolveMode
	Resolutions []Resolution
}

// ResolveOutcome reports one group's result.
type ResolveOutcome struct {
	SHA256 string
	Kept   string
	Pruned []string
	Err    error
}

// ResolveReport is the per-group outcome of a resolve request. One failing
// group does not abort the rest.
type ResolveReport struct {
	Resolved int
	Failed   int
	Outcomes []ResolveOutcome
}

// ResolveDuplicates settles duplicate groups found by Scan. Each resolution
// names the hash and the path to keep; every other recorded path for that
// hash is pruned according to the mode.
func (s *Store) ResolveDuplicates(ctx context.Context, req *ResolveRequest) (*ResolveReport, error) {
	switch req.Mode {
	case ResolveUserSelection, ResolveAuto:
	default:
		return nil, fmt.Errorf("unknown resolve mode %q", req.Mode)
	}

	report := &ResolveReport{}
	for _, r := range req.Resolutions {
		outcome := s.resolveOne(ctx, req.Mode, r)
		if outcome.Err != nil {
			report.Failed++
		} else {
			report.Resolved++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

func (s *Store) resolveOne(ctx context.Context, mode ResolveMode, r Resolution) ResolveOutcome {
	outcome := ResolveOutcome{SHA256: r.SHA256, Kept: r.KeepPath}

	paths, err := s.catalog.Paths(ctx, r.SHA256)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if len(paths) == 0 {
		outcome.Err = fmt.Errorf("no paths recorded for %s", r.SHA256)
		return outcome
	}

	keepKnown := false
	for _, p := range paths {
		if p == r.KeepPath {
			keepKnown = true
			break
		}
	}
	if !keepKnown {
		outcome.Err = fmt.Errorf("keep path %s is not recorded for %s", r.KeepPath, r.SHA256)
		return outcome
	}

	prune := make(map[string]bool)
	if len(r.DeletePaths) > 0 {
		for _, p := range r.DeletePaths {
			if p == r.KeepPath {
				outcome.Err = fmt.Errorf("keep path %s also listed for deletion", p)
				return outcome
			}
			prune[p] = true
		}
	} else {
		for _, p := range paths {
			if p != r.KeepPath {
				prune[p] = true
			}
		}
	}

	for _, p := range paths {
		if !prune[p] {
			continue
		}
		if mode == ResolveUserSelection {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				outcome.Err = fmt.Errorf("failed to remove duplicate %s: %w", p, err)
				return outcome
			}
		}
		if err := s.catalog.DeletePath(ctx, p); err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Pruned = append(outcome.Pruned, p)
	}

	health := HealthHealthy
	if mode == ResolveAuto {
		health = HealthDuplicate
	}
	if err := s.catalog.SetHealth(ctx, r.SHA256, health); err != nil {
		outcome.Err = err
	}
	return outcome
}
