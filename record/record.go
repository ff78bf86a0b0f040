// Package record defines the guild configuration record and its persisted
// JSON form.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// KeySuffix is appended to an ID to form its storage key.
const KeySuffix = ".json"

// ID identifies a guild. It is never stored inside the payload; it is
// derived from the storage key.
type ID uint64

// String renders the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Key returns the storage key ("<id>.json") for the record.
func (id ID) Key() string {
	return id.String() + KeySuffix
}

var (
	// ErrInvalidID reports an id that is not a decimal uint64.
	ErrInvalidID = errors.New("record: invalid id")
	// ErrNoChange is returned by mutators that left the record untouched.
	ErrNoChange = errors.New("record: no change")
)

// ParseID parses a decimal guild id. A trailing ".json" is accepted so
// storage keys round-trip.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), KeySuffix)
	if raw == "" {
		return 0, ErrInvalidID
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return ID(v), nil
}

// Guild is the mutable per-guild configuration. The zero value is an empty
// record with every feature disabled.
type Guild struct {
	creatorRoles mapset.Set[uint64]
	updaterRoles mapset.Set[uint64]

	// OptinParentCategory is the category opt-in channels are created under.
	OptinParentCategory *uint64
	WelcomeChannel      *uint64
	AnnouncementChannel *uint64
}

// CreatorRoles returns the live set of roles allowed to create opt-ins.
func (g *Guild) CreatorRoles() mapset.Set[uint64] {
	if g.creatorRoles == nil {
		g.creatorRoles = mapset.NewThreadUnsafeSet[uint64]()
	}
	return g.creatorRoles
}

// UpdaterRoles returns the live set of roles allowed to update opt-ins.
func (g *Guild) UpdaterRoles() mapset.Set[uint64] {
	if g.updaterRoles == nil {
		g.updaterRoles = mapset.NewThreadUnsafeSet[uint64]()
	}
	return g.updaterRoles
}

// SetOptinParentCategory sets or, with nil, clears the parent category.
func (g *Guild) SetOptinParentCategory(id *uint64) { g.OptinParentCategory = cloneU64(id) }

// SetWelcomeChannel sets or, with nil, clears the welcome channel.
func (g *Guild) SetWelcomeChannel(id *uint64) { g.WelcomeChannel = cloneU64(id) }

// SetAnnouncementChannel sets or, with nil, clears the announcement channel.
func (g *Guild) SetAnnouncementChannel(id *uint64) { g.AnnouncementChannel = cloneU64(id) }

// IsEmpty reports whether no feature is configured.
func (g *Guild) IsEmpty() bool {
	return setLen(g.creatorRoles) == 0 &&
		setLen(g.updaterRoles) == 0 &&
		g.OptinParentCategory == nil &&
		g.WelcomeChannel == nil &&
		g.AnnouncementChannel == nil
}

// Clone returns a deep copy.
func (g *Guild) Clone() *Guild {
	if g == nil {
		return nil
	}
	out := &Guild{
		OptinParentCategory: cloneU64(g.OptinParentCategory),
		WelcomeChannel:      cloneU64(g.WelcomeChannel),
		AnnouncementChannel: cloneU64(g.AnnouncementChannel),
	}
	if g.creatorRoles != nil {
		out.creatorRoles = g.creatorRoles.Clone()
	}
	if g.updaterRoles != nil {
		out.updaterRoles = g.updaterRoles.Clone()
	}
	return out
}

// Equal reports whether g and other configure the same features. A nil
// role set equals an empty one.
func (g *Guild) Equal(other *Guild) bool {
	if g == nil || other == nil {
		return g == other
	}
	return setsEqual(g.creatorRoles, other.creatorRoles) &&
		setsEqual(g.updaterRoles, other.updaterRoles) &&
		u64Equal(g.OptinParentCategory, other.OptinParentCategory) &&
		u64Equal(g.WelcomeChannel, other.WelcomeChannel) &&
		u64Equal(g.AnnouncementChannel, other.AnnouncementChannel)
}

// Snapshot returns an immutable view of the current state.
func (g *Guild) Snapshot() Snapshot {
	return Snapshot{g: g.Clone()}
}

// Uint64 is a small helper for building optional fields.
func Uint64(v uint64) *uint64 { return &v }

func cloneU64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func u64Equal(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func setsEqual(a, b mapset.Set[uint64]) bool {
	if setLen(a) == 0 || setLen(b) == 0 {
		return setLen(a) == setLen(b)
	}
	return a.Equal(b)
}

func setLen(s mapset.Set[uint64]) int {
	if s == nil {
		return 0
	}
	return s.Cardinality()
}
