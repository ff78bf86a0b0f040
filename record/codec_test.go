package record_test

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/guildstore/record"
)

func TestDecodeFullRecord(t *testing.T) {
	t.Parallel()

	payload := `{
		"OptinCreatorsRoles": [3, 1, 2],
		"OptinUpdatersRoles": [18446744073709551615],
		"OptinParentCatgory": 10,
		"WelcomeChannel": 11,
		"AnnouncementChannel": 12
	}`
	g, err := record.Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, id := range []uint64{1, 2, 3} {
		if !g.CreatorRoles().Contains(id) {
			t.Fatalf("creator role %d missing", id)
		}
	}
	if !g.UpdaterRoles().Contains(^uint64(0)) {
		t.Fatalf("expected max uint64 updater role")
	}
	if g.OptinParentCategory == nil || *g.OptinParentCategory != 10 {
		t.Fatalf("unexpected parent category %v", g.OptinParentCategory)
	}
	if g.WelcomeChannel == nil || *g.WelcomeChannel != 11 {
		t.Fatalf("unexpected welcome channel %v", g.WelcomeChannel)
	}
	if g.AnnouncementChannel == nil || *g.AnnouncementChannel != 12 {
		t.Fatalf("unexpected announcement channel %v", g.AnnouncementChannel)
	}
}

func TestDecodeIgnoresUnknownAndNull(t *testing.T) {
	t.Parallel()

	g, err := record.Decode([]byte(`{"Legacy":"x","WelcomeChannel":null,"OptinCreatorsRoles":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !g.IsEmpty() {
		t.Fatalf("expected empty record, got %+v", g)
	}
}

func TestDecodeEmptyObject(t *testing.T) {
	t.Parallel()

	g, err := record.Decode([]byte(`{}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !g.IsEmpty() {
		t.Fatalf("expected empty record")
	}
	if g.CreatorRoles().Cardinality() != 0 {
		t.Fatalf("expected no creator roles")
	}
}

func TestDecodeRejectsWrongShapes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":            ``,
		"not object":       `[1,2]`,
		"top null":         `null`,
		"roles not array":  `{"OptinCreatorsRoles": 5}`,
		"string member":    `{"OptinCreatorsRoles": [1, "2"]}`,
		"float member":     `{"OptinUpdatersRoles": [1.5]}`,
		"negative member":  `{"OptinUpdatersRoles": [-1]}`,
		"string scalar":    `{"WelcomeChannel": "12"}`,
		"exponent scalar":  `{"AnnouncementChannel": 1e3}`,
		"overflow scalar":  `{"OptinParentCatgory": 18446744073709551616}`,
		"bool scalar":      `{"WelcomeChannel": true}`,
		"truncated object": `{"WelcomeChannel": 1`,
	}
	for name, payload := range cases {
		_, err := record.Decode([]byte(payload))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errors.Is(err, record.ErrFormat) {
			t.Fatalf("%s: expected ErrFormat, got %v", name, err)
		}
		var fe *record.FormatError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected *FormatError, got %T", name, err)
		}
	}
}

func TestDecodeErrorNamesArrayIndex(t *testing.T) {
	t.Parallel()

	_, err := record.Decode([]byte(`{"OptinCreatorsRoles": [1, 2, "x"]}`))
	var fe *record.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %v", err)
	}
	if fe.Field != "OptinCreatorsRoles[2]" {
		t.Fatalf("unexpected field %q", fe.Field)
	}
}

func TestEncodeIsSparse(t *testing.T) {
	t.Parallel()

	g := &record.Guild{}
	g.SetWelcomeChannel(record.Uint64(42))
	g.UpdaterRoles() // touched but empty
	data, err := record.Encode(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(data); got != `{"WelcomeChannel":42}` {
		t.Fatalf("unexpected encoding %s", got)
	}
	for _, field := range []string{record.FieldCreatorRoles, record.FieldUpdaterRoles, record.FieldAnnouncementChannel, "null"} {
		if strings.Contains(string(data), field) {
			t.Fatalf("encoding should omit %s: %s", field, data)
		}
	}
}

func TestEncodeSortsRoles(t *testing.T) {
	t.Parallel()

	g := &record.Guild{}
	g.CreatorRoles().Append(30, 10, 20)
	g.SetOptinParentCategory(record.Uint64(7))
	data, err := record.Encode(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"OptinCreatorsRoles":[10,20,30],"OptinParentCatgory":7}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
	back, err := record.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.CreatorRoles().Equal(g.CreatorRoles()) {
		t.Fatalf("creator roles did not survive encoding")
	}
}

func TestEncodeNil(t *testing.T) {
	t.Parallel()

	if _, err := record.Encode(nil); err == nil {
		t.Fatal("expected error for nil guild")
	}
}
