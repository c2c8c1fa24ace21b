package ftln

import (
	"fmt"

	"github.com/zhukovaskychina/goftl/internal/driver"
)

// Issue is one anomaly surfaced by DiagnoseKnownIssues.
type Issue struct {
	Code     string
	Message  string
	Severity string // "info", "warning", "critical"
}

// DiagnoseKnownIssues inspects the mounted volume's in-RAM state for
// conditions worth a caller's attention without being outright mount
// failures (spec.md §6.2, §4.6). It never mutates state.
func (v *Volume) DiagnoseKnownIssues() []Issue {
	v.mu.Lock()
	defer v.mu.Unlock()

	var issues []Issue
	if v.fatal || v.eng.IsFatal() {
		msg := "the device has reported a fatal I/O error; the volume should be remounted read-only"
		if v.fatalErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, v.fatalErr)
		}
		issues = append(issues, Issue{Code: "fatal", Severity: "critical", Message: msg})
	}
	if len(v.freeList) <= minFreeBlocks {
		issues = append(issues, Issue{Code: "low_free_blocks", Severity: "warning",
			Message: fmt.Sprintf("only %d free block(s) remain (floor is %d)", len(v.freeList), minFreeBlocks)})
	}

	var lo uint32 = ^uint32(0)
	var hi uint32
	for _, rec := range v.blocks {
		if rec.wear < lo {
			lo = rec.wear
		}
		if rec.wear > hi {
			hi = rec.wear
		}
	}
	if lo != ^uint32(0) && hi > lo && hi-lo > hi/4+16 {
		issues = append(issues, Issue{Code: "wear_skew", Severity: "warning",
			Message: fmt.Sprintf("wear count spread is %d (low=%d high=%d); recycling is not keeping up with wear leveling", hi-lo, lo, hi)})
	}

	for b, rec := range v.blocks {
		if !rec.st.Free() && rec.st.ReadCount() >= readWearLimit {
			issues = append(issues, Issue{Code: "read_disturb_pending", Severity: "info",
				Message: fmt.Sprintf("block %d has reached the read-disturb threshold and is due for a wear move", b)})
		}
	}

	issues = append(issues, v.diagnoseELIST()...)
	return issues
}

// diagnoseELIST cross-checks the in-RAM free list against the ELIST
// snapshot from the last persisted meta-page, flagging a mismatch as a
// sign of an unclean shutdown the scan already recovered from (spec.md §9
// open question on the legacy erased-block list).
func (v *Volume) diagnoseELIST() []Issue {
	mp := v.lay.metaMapPage()
	addr := v.mapLoc[mp]
	if !addr.valid() {
		return nil
	}
	data, _, res, err := v.readPageRaw(addr)
	if err != nil || res == driver.ResultUncorrectable {
		return []Issue{{Code: "elist_unreadable", Severity: "info",
			Message: "the last persisted free-block list could not be read back"}}
	}
	n := len(v.blocks)
	saved := decodeELIST(data, elistOffset(n))
	if saved == nil {
		return nil
	}
	savedSet := make(map[int]bool, len(saved))
	for _, b := range saved {
		savedSet[b] = true
	}
	mismatches := 0
	for _, b := range v.freeList {
		if !savedSet[b] {
			mismatches++
		}
	}
	if mismatches == 0 {
		return nil
	}
	return []Issue{{Code: "elist_mismatch", Severity: "info",
		Message: fmt.Sprintf("%d block(s) free now were not in the last persisted free-block list (expected after an unclean shutdown)", mismatches)}}
}
