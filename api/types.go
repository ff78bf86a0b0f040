// Package api holds the JSON types served by the guildstore HTTP facade.
package api

import (
	"fmt"
	"slices"

	"pkt.systems/guildstore/record"
)

// Channel field names accepted in UpdateGuildRequest.Clear.
const (
	FieldOptinParentCategory = "optin_parent_category"
	FieldWelcomeChannel      = "welcome_channel"
	FieldAnnouncementChannel = "announcement_channel"
)

// GuildResponse is the read view of one guild record.
type GuildResponse struct {
	GuildID             string   `json:"guild_id"`
	CreatorRoles        []uint64 `json:"creator_roles"`
	UpdaterRoles        []uint64 `json:"updater_roles"`
	OptinParentCategory *uint64  `json:"optin_parent_category,omitempty"`
	WelcomeChannel      *uint64  `json:"welcome_channel,omitempty"`
	AnnouncementChannel *uint64  `json:"announcement_channel,omitempty"`
}

// NewGuildResponse renders a snapshot.
func NewGuildResponse(id record.ID, s record.Snapshot) GuildResponse {
	resp := GuildResponse{
		GuildID:      id.String(),
		CreatorRoles: s.CreatorRoles(),
		UpdaterRoles: s.UpdaterRoles(),
	}
	if v, ok := s.OptinParentCategory(); ok {
		resp.OptinParentCategory = record.Uint64(v)
	}
	if v, ok := s.WelcomeChannel(); ok {
		resp.WelcomeChannel = record.Uint64(v)
	}
	if v, ok := s.AnnouncementChannel(); ok {
		resp.AnnouncementChannel = record.Uint64(v)
	}
	return resp
}

// UpdateGuildRequest is a partial update. Role lists are applied as set
// additions then removals; channel fields are set when non-nil and cleared
// when named in Clear.
type UpdateGuildRequest struct {
	AddCreatorRoles     []uint64 `json:"add_creator_roles,omitempty"`
	RemoveCreatorRoles  []uint64 `json:"remove_creator_roles,omitempty"`
	AddUpdaterRoles     []uint64 `json:"add_updater_roles,omitempty"`
	RemoveUpdaterRoles  []uint64 `json:"remove_updater_roles,omitempty"`
	OptinParentCategory *uint64  `json:"optin_parent_category,omitempty"`
	WelcomeChannel      *uint64  `json:"welcome_channel,omitempty"`
	AnnouncementChannel *uint64  `json:"announcement_channel,omitempty"`
	Clear               []string `json:"clear,omitempty"`
}

// Validate rejects unknown Clear names and fields both set and cleared.
func (r UpdateGuildRequest) Validate() error {
	for _, name := range r.Clear {
		var set bool
		switch name {
		case FieldOptinParentCategory:
			set = r.OptinParentCategory != nil
		case FieldWelcomeChannel:
			set = r.WelcomeChannel != nil
		case FieldAnnouncementChannel:
			set = r.AnnouncementChannel != nil
		default:
			return fmt.Errorf("unknown field %q in clear", name)
		}
		if set {
			return fmt.Errorf("field %q is both set and cleared", name)
		}
	}
	return nil
}

// Empty reports whether the request asks for nothing.
func (r UpdateGuildRequest) Empty() bool {
	return len(r.AddCreatorRoles) == 0 && len(r.RemoveCreatorRoles) == 0 &&
		len(r.AddUpdaterRoles) == 0 && len(r.RemoveUpdaterRoles) == 0 &&
		r.OptinParentCategory == nil && r.WelcomeChannel == nil &&
		r.AnnouncementChannel == nil && len(r.Clear) == 0
}

// Apply mutates g. It returns record.ErrNoChange when g already matched.
func (r UpdateGuildRequest) Apply(g *record.Guild) error {
	if err := r.Validate(); err != nil {
		return err
	}
	before := g.Clone()
	g.CreatorRoles().Append(r.AddCreatorRoles...)
	g.UpdaterRoles().Append(r.AddUpdaterRoles...)
	for _, id := range r.RemoveCreatorRoles {
		g.CreatorRoles().Remove(id)
	}
	for _, id := range r.RemoveUpdaterRoles {
		g.UpdaterRoles().Remove(id)
	}
	if r.OptinParentCategory != nil {
		g.SetOptinParentCategory(r.OptinParentCategory)
	}
	if r.WelcomeChannel != nil {
		g.SetWelcomeChannel(r.WelcomeChannel)
	}
	if r.AnnouncementChannel != nil {
		g.SetAnnouncementChannel(r.AnnouncementChannel)
	}
	if slices.Contains(r.Clear, FieldOptinParentCategory) {
		g.SetOptinParentCategory(nil)
	}
	if slices.Contains(r.Clear, FieldWelcomeChannel) {
		g.SetWelcomeChannel(nil)
	}
	if slices.Contains(r.Clear, FieldAnnouncementChannel) {
		g.SetAnnouncementChannel(nil)
	}
	if g.Equal(before) {
		return record.ErrNoChange
	}
	return nil
}

// ErrorResponse is the error envelope for every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is a stable identifier such as not_configured or busy.
	ErrorCode string `json:"error"`
	// Detail is a human-readable message safe to show to end users.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds mirrors the Retry-After header when present.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
	// CorrelationID ties the response to server logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Version string `json:"version"`
}
