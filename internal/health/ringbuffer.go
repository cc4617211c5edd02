package health

import "github.com/ariaforge/inferd/pkg/models"

// snapshotRing is a thread-unsafe (callers hold Monitor's lock), fixed-size
// ring buffer of HealthSnapshot entries, adapted from the teacher's
// LogBuffer (internal/process/logbuffer.go) — same drop-oldest/append
// discipline, without the pub/sub machinery this use case doesn't need.
type snapshotRing struct {
	entries []models.HealthSnapshot
	max     int
}

func newSnapshotRing(max int) *snapshotRing {
	return &snapshotRing{entries: make([]models.HealthSnapshot, 0, max), max: max}
}

func (r *snapshotRing) push(s models.HealthSnapshot) {
	if len(r.entries) >= r.max {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, s)
}

func (r *snapshotRing) recent() []models.HealthSnapshot {
	out := make([]models.HealthSnapshot, len(r.entries))
	copy(out, r.entries)
	return out
}
