package api

import (
	"errors"
	"testing"

	"pkt.systems/guildstore/record"
)

func TestUpdateGuildRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  UpdateGuildRequest
		ok   bool
	}{
		{name: "empty", ok: true},
		{name: "clear known", req: UpdateGuildRequest{Clear: []string{FieldWelcomeChannel}}, ok: true},
		{name: "clear unknown", req: UpdateGuildRequest{Clear: []string{"nickname"}}},
		{name: "set and clear", req: UpdateGuildRequest{WelcomeChannel: record.Uint64(1), Clear: []string{FieldWelcomeChannel}}},
	}
	for _, tc := range cases {
		if err := tc.req.Validate(); tc.ok != (err == nil) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestUpdateGuildRequestApply(t *testing.T) {
	g := &record.Guild{}
	g.CreatorRoles().Add(1)
	g.SetAnnouncementChannel(record.Uint64(9))

	req := UpdateGuildRequest{
		AddCreatorRoles:    []uint64{2, 3},
		RemoveCreatorRoles: []uint64{1},
		AddUpdaterRoles:    []uint64{4},
		WelcomeChannel:     record.Uint64(5),
		Clear:              []string{FieldAnnouncementChannel},
	}
	if err := req.Apply(g); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := g.Snapshot()
	if got := snap.CreatorRoles(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("unexpected creator roles %v", got)
	}
	if got := snap.UpdaterRoles(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("unexpected updater roles %v", got)
	}
	if v, ok := snap.WelcomeChannel(); !ok || v != 5 {
		t.Fatalf("unexpected welcome channel %d %v", v, ok)
	}
	if _, ok := snap.AnnouncementChannel(); ok {
		t.Fatal("announcement channel should be cleared")
	}

	if err := req.Apply(g); !errors.Is(err, record.ErrNoChange) {
		t.Fatalf("expected ErrNoChange on repeat, got %v", err)
	}
	if err := (UpdateGuildRequest{Clear: []string{"bogus"}}).Apply(g); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEmpty(t *testing.T) {
	if !(UpdateGuildRequest{}).Empty() {
		t.Fatal("zero request should be empty")
	}
	if (UpdateGuildRequest{Clear: []string{FieldWelcomeChannel}}).Empty() {
		t.Fatal("clear-only request is not empty")
	}
}

func TestNewGuildResponse(t *testing.T) {
	g := &record.Guild{}
	g.UpdaterRoles().Append(8, 7)
	g.SetOptinParentCategory(record.Uint64(3))
	resp := NewGuildResponse(42, g.Snapshot())
	if resp.GuildID != "42" {
		t.Fatalf("unexpected id %q", resp.GuildID)
	}
	if len(resp.UpdaterRoles) != 2 || resp.UpdaterRoles[0] != 7 {
		t.Fatalf("unexpected updater roles %v", resp.UpdaterRoles)
	}
	if resp.OptinParentCategory == nil || *resp.OptinParentCategory != 3 || resp.WelcomeChannel != nil {
		t.Fatalf("unexpected channels %+v", resp)
	}
}
