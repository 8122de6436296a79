package synchronization

import "sort"

// SyncPlan lists the per-session transfers for one run. Every list is in
// ascending ID order. An ID in Conflicts also appears in ToUpload.
type SyncPlan struct {
	ToDownload []string `json:"to_download"`
	ToUpload   []string `json:"to_upload"`
	Conflicts  []string `json:"conflicts"`
}

// IsEmpty reports whether the plan moves nothing.
func (p SyncPlan) IsEmpty() bool {
	return len(p.ToDownload) == 0 && len(p.ToUpload) == 0
}

// ComputePlan decides, per session, which side is authoritative. This is
// a pure function with no I/O.
//
// A session only on one side goes to the other. When both sides hold it
// with different hashes, the remote copy wins only if its updateTime is
// strictly newer; otherwise the local copy is uploaded. A missing
// updateTime is older than any present one. When the timestamps tie
// (both missing or equal), the session is also reported as a conflict
// because neither side can be shown to be newer.
func ComputePlan(local, remote SyncMetadata) SyncPlan {
	var plan SyncPlan

	for id, r := range remote.ChatSession {
		l, ok := local.ChatSession[id]
		if !ok {
			plan.ToDownload = append(plan.ToDownload, id)
			continue
		}

		if l.Hash == r.Hash {
			continue
		}

		switch compareUpdateTime(r.UpdateTime, l.UpdateTime) {
		case 1:
			plan.ToDownload = append(plan.ToDownload, id)
		case 0:
			plan.Conflicts = append(plan.Conflicts, id)
			plan.ToUpload = append(plan.ToUpload, id)
		default:
			plan.ToUpload = append(plan.ToUpload, id)
		}
	}

	for id := range local.ChatSession {
		if _, ok := remote.ChatSession[id]; !ok {
			plan.ToUpload = append(plan.ToUpload, id)
		}
	}

	sort.Strings(plan.ToDownload)
	sort.Strings(plan.ToUpload)
	sort.Strings(plan.Conflicts)

	return plan
}

// compareUpdateTime orders optional timestamps with nil before any value.
// It returns -1, 0 or 1.
func compareUpdateTime(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}

	return 0
}
