package journal

// Policy is the small, per-open (or per-call) configuration object spec §9
// calls for in place of the original C code's global conf() lookup inside
// flush_allowed(). The journal never reaches into a process-wide
// singleton; the caller decides merge-eligibility and the space-pressure
// knobs up front.
type Policy struct {
	// MergeEnabled mirrors the original's merge_allowed(): when true,
	// space pressure that can't be relieved by eviction alone is
	// resolved by folding history into a merged changeset (§4.G)
	// instead of asking the caller to flush.
	MergeEnabled bool

	// KeepFreeNoMerge is the fraction of SizeLimit kept free when no
	// merged changeset exists and merging is not enabled. Spec default:
	// 0.5 (keep 50% free).
	KeepFreeNoMerge float64

	// KeepFreeForMerge is the fraction kept free when merging is
	// enabled but no merged changeset exists yet. Spec default: 0.72
	// (keep 72% free, i.e. allow 28% occupied — see note below).
	KeepFreeForMerge float64

	// KeepFreeMerged is the fraction kept free once a merged changeset
	// is present. Spec default: 0.44 (keep 44% free, allow 56% occupied).
	KeepFreeMerged float64

	// DisposeRatio multiplies the minimum bytes that must be freed by
	// this factor before invoking the eviction sweep, amortizing sweep
	// cost over future inserts. Spec default: 3.
	DisposeRatio float64

	// DirtySubCommitFraction is the fraction of SizeLimit after which an
	// in-progress multi-chunk insert sub-commits and marks
	// DIRTY_SERIAL_VALID (spec §4.E step 6). Spec default: 0.05.
	DirtySubCommitFraction float64
}

// DefaultPolicy returns the occupancy ratios and thresholds named
// verbatim in spec §4.E ("keep 50%/72%/44% free") and flagged in §9 as
// magic constants with a TODO to make them configurable. Note the
// original C journal's own constants (DB_KEEP_FREE/FORMERGE/MERGED =
// 0.5/0.67/0.33) differ from these; spec.md restates them deliberately as
// 50/72/44, which DefaultPolicy follows literally (see DESIGN.md).
func DefaultPolicy() Policy {
	return Policy{
		MergeEnabled:           false,
		KeepFreeNoMerge:        0.5,
		KeepFreeForMerge:       0.72,
		KeepFreeMerged:         0.44,
		DisposeRatio:           3,
		DirtySubCommitFraction: 0.05,
	}
}

// allowedOccupancy returns the maximum fraction of SizeLimit the journal
// should let itself occupy before the Writer starts evicting (spec §4.E
// step 3), given the current metadata state.
func (p Policy) allowedOccupancy(hasMerged bool) float64 {
	switch {
	case hasMerged:
		return 1 - p.KeepFreeMerged
	case p.MergeEnabled:
		return 1 - p.KeepFreeForMerge
	default:
		return 1 - p.KeepFreeNoMerge
	}
}
