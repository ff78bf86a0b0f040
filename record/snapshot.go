package record

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Snapshot is a read-only copy of a Guild, safe to share between goroutines
// and to keep in a cache.
type Snapshot struct {
	g *Guild
}

// CreatorRoles returns the creator role ids in ascending order.
func (s Snapshot) CreatorRoles() []uint64 {
	if s.g == nil {
		return nil
	}
	return sortedIDs(s.g.creatorRoles)
}

// UpdaterRoles returns the updater role ids in ascending order.
func (s Snapshot) UpdaterRoles() []uint64 {
	if s.g == nil {
		return nil
	}
	return sortedIDs(s.g.updaterRoles)
}

// OptinParentCategory returns the configured category, if any.
func (s Snapshot) OptinParentCategory() (uint64, bool) {
	if s.g == nil {
		return 0, false
	}
	return deref(s.g.OptinParentCategory)
}

// WelcomeChannel returns the configured welcome channel, if any.
func (s Snapshot) WelcomeChannel() (uint64, bool) {
	if s.g == nil {
		return 0, false
	}
	return deref(s.g.WelcomeChannel)
}

// AnnouncementChannel returns the configured announcement channel, if any.
func (s Snapshot) AnnouncementChannel() (uint64, bool) {
	if s.g == nil {
		return 0, false
	}
	return deref(s.g.AnnouncementChannel)
}

// CanCreateOptins reports whether any of userRoles may create opt-ins.
func (s Snapshot) CanCreateOptins(userRoles ...uint64) bool {
	if s.g == nil {
		return false
	}
	return HasPermission(s.g.creatorRoles, userRoles)
}

// CanUpdateOptins reports whether any of userRoles may update opt-ins.
func (s Snapshot) CanUpdateOptins(userRoles ...uint64) bool {
	if s.g == nil {
		return false
	}
	return HasPermission(s.g.updaterRoles, userRoles)
}

// Guild returns a mutable deep copy of the snapshot.
func (s Snapshot) Guild() *Guild {
	if s.g == nil {
		return &Guild{}
	}
	return s.g.Clone()
}

// HasPermission reports whether userRoles intersects allowed. An empty or
// nil allowed set grants nothing.
func HasPermission(allowed mapset.Set[uint64], userRoles []uint64) bool {
	if allowed == nil || allowed.Cardinality() == 0 {
		return false
	}
	for _, r := range userRoles {
		if allowed.Contains(r) {
			return true
		}
	}
	return false
}

func sortedIDs(s mapset.Set[uint64]) []uint64 {
	if s == nil || s.Cardinality() == 0 {
		return nil
	}
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

func deref(v *uint64) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
