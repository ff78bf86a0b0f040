package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// Persisted field names. OptinParentCatgory is misspelled on purpose: the
// name is part of the stored format.
const (
	FieldCreatorRoles        = "OptinCreatorsRoles"
	FieldUpdaterRoles        = "OptinUpdatersRoles"
	FieldOptinParentCategory = "OptinParentCatgory"
	FieldWelcomeChannel      = "WelcomeChannel"
	FieldAnnouncementChannel = "AnnouncementChannel"
)

// ErrFormat is matched by every decode failure.
var ErrFormat = errors.New("record: malformed payload")

// FormatError describes a field with the wrong shape.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return "record: malformed payload: " + e.Reason
	}
	return fmt.Sprintf("record: field %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrFormat) true for every FormatError.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// Decode parses a persisted record. Unknown fields are ignored, null and
// missing fields are absent.
func Decode(data []byte) (*Guild, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &FormatError{Reason: "empty payload"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}
	if fields == nil {
		// top-level null
		return nil, &FormatError{Reason: "expected object"}
	}
	g := &Guild{}
	var err error
	if g.creatorRoles, err = decodeIDSet(fields, FieldCreatorRoles); err != nil {
		return nil, err
	}
	if g.updaterRoles, err = decodeIDSet(fields, FieldUpdaterRoles); err != nil {
		return nil, err
	}
	if g.OptinParentCategory, err = decodeID(fields, FieldOptinParentCategory); err != nil {
		return nil, err
	}
	if g.WelcomeChannel, err = decodeID(fields, FieldWelcomeChannel); err != nil {
		return nil, err
	}
	if g.AnnouncementChannel, err = decodeID(fields, FieldAnnouncementChannel); err != nil {
		return nil, err
	}
	return g, nil
}

// Encode renders the sparse persisted form. Absent fields and empty role
// sets are omitted; role ids are written in ascending order.
func Encode(g *Guild) ([]byte, error) {
	if g == nil {
		return nil, errors.New("record: encode nil guild")
	}
	doc := struct {
		CreatorRoles        []uint64 `json:"OptinCreatorsRoles,omitempty"`
		UpdaterRoles        []uint64 `json:"OptinUpdatersRoles,omitempty"`
		OptinParentCategory *uint64  `json:"OptinParentCatgory,omitempty"`
		WelcomeChannel      *uint64  `json:"WelcomeChannel,omitempty"`
		AnnouncementChannel *uint64  `json:"AnnouncementChannel,omitempty"`
	}{
		CreatorRoles:        sortedIDs(g.creatorRoles),
		UpdaterRoles:        sortedIDs(g.updaterRoles),
		OptinParentCategory: g.OptinParentCategory,
		WelcomeChannel:      g.WelcomeChannel,
		AnnouncementChannel: g.AnnouncementChannel,
	}
	return json.Marshal(doc)
}

func decodeIDSet(fields map[string]json.RawMessage, name string) (mapset.Set[uint64], error) {
	raw, ok := present(fields, name)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &FormatError{Field: name, Reason: "expected array of integers"}
	}
	set := mapset.NewThreadUnsafeSet[uint64]()
	for i, item := range items {
		v, err := parseUint64(item)
		if err != nil {
			return nil, &FormatError{Field: fmt.Sprintf("%s[%d]", name, i), Reason: err.Error()}
		}
		set.Add(v)
	}
	return set, nil
}

func decodeID(fields map[string]json.RawMessage, name string) (*uint64, error) {
	raw, ok := present(fields, name)
	if !ok {
		return nil, nil
	}
	v, err := parseUint64(raw)
	if err != nil {
		return nil, &FormatError{Field: name, Reason: err.Error()}
	}
	return &v, nil
}

func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	raw, ok := fields[name]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

// parseUint64 accepts a bare JSON number with no sign, fraction or exponent.
func parseUint64(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] < '0' || raw[0] > '9' {
		return 0, fmt.Errorf("expected unsigned integer, got %s", truncate(raw))
	}
	if slices.ContainsFunc(raw, func(b byte) bool { return b < '0' || b > '9' }) {
		return 0, fmt.Errorf("expected unsigned integer, got %s", truncate(raw))
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("integer out of range: %s", truncate(raw))
	}
	return v, nil
}

func truncate(raw []byte) string {
	const limit = 32
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
