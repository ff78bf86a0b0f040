package guildstore

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/guildstore/api"
	"pkt.systems/guildstore/internal/storage/lease"
	"pkt.systems/guildstore/internal/storage/memory"
	"pkt.systems/guildstore/record"
)

func startTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	backend := memory.New()
	store, err := lease.New(lease.Config{Backend: backend})
	if err != nil {
		t.Fatalf("lease.New: %v", err)
	}
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0"}
	srv, stop, err := StartServer(context.Background(), cfg, WithStore(store))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv, backend
}

func TestServerServesGuilds(t *testing.T) {
	srv, backend := startTestServer(t)
	backend.Put(record.ID(77).Key(), []byte(`{"OptinCreatorsRoles":[1]}`))
	base := "http://" + srv.ListenerAddr().String()

	resp, err := http.Get(base + "/v1/guilds/77")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var guild api.GuildResponse
	if err := json.NewDecoder(resp.Body).Decode(&guild); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(guild.CreatorRoles) != 1 || guild.CreatorRoles[0] != 1 {
		t.Fatalf("unexpected guild %+v", guild)
	}

	req, _ := http.NewRequest(http.MethodPatch, base+"/v1/guilds/77", strings.NewReader(`{"add_updater_roles":[2]}`))
	patch, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	defer patch.Body.Close()
	if patch.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", patch.StatusCode)
	}
	if data, _ := backend.Get(record.ID(77).Key()); string(data) != `{"OptinCreatorsRoles":[1],"OptinUpdatersRoles":[2]}` {
		t.Fatalf("unexpected persisted record %s", data)
	}
	snap, _, err := srv.Service().View(context.Background(), 77)
	if err != nil || !snap.CanUpdateOptins(2) {
		t.Fatalf("view after patch: %v", err)
	}
}

func TestServerHealth(t *testing.T) {
	srv, _ := startTestServer(t)
	resp, err := http.Get("http://" + srv.ListenerAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Store != "mem://" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected validation error")
	}
}
