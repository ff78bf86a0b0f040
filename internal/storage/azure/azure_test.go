package azure

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/guildstore/internal/storage"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "missing container", cfg: Config{Account: "acct", AccountKey: "a2V5"}},
		{name: "missing account", cfg: Config{Container: "guilds", AccountKey: "a2V5"}},
		{name: "missing credentials", cfg: Config{Account: "acct", Container: "guilds"}},
		{name: "shared key", cfg: Config{Account: "acct", AccountKey: "a2V5", Container: "guilds", Prefix: "/prod/"}, ok: true},
		{name: "sas", cfg: Config{Account: "acct", SASToken: "?sv=1", Container: "guilds"}, ok: true},
		{name: "connection string", cfg: Config{ConnectionString: "UseDevelopmentStorage=true", Container: "guilds"}, ok: true},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		err := validate(&cfg)
		if tc.ok != (err == nil) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			continue
		}
		if strings.Contains(cfg.Prefix, "/") {
			t.Fatalf("%s: prefix not trimmed: %q", tc.name, cfg.Prefix)
		}
		if cfg.ConnectionString == "" && cfg.Endpoint != "https://acct.blob.core.windows.net" {
			t.Fatalf("%s: unexpected default endpoint %q", tc.name, cfg.Endpoint)
		}
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=abc" {
		t.Fatalf("unexpected url %q", got)
	}
	got, _ = appendSASToken("https://host/?a=1", "b=2")
	if !strings.HasSuffix(got, "a=1&b=2") {
		t.Fatalf("unexpected merged url %q", got)
	}
}

func TestValidateLeaseTTL(t *testing.T) {
	for _, ttl := range []time.Duration{MinLeaseTTL, 30 * time.Second, MaxLeaseTTL} {
		if err := ValidateLeaseTTL(ttl); err != nil {
			t.Fatalf("ttl %s rejected: %v", ttl, err)
		}
	}
	for _, ttl := range []time.Duration{time.Second, 2 * time.Minute} {
		if err := ValidateLeaseTTL(ttl); err == nil {
			t.Fatalf("ttl %s accepted", ttl)
		}
	}
}

func TestLeaseConditions(t *testing.T) {
	cond := leaseConditions(storage.Lease{ID: "lease-1"}, "0x8D")
	if cond.LeaseAccessConditions == nil || *cond.LeaseAccessConditions.LeaseID != "lease-1" {
		t.Fatalf("missing lease id: %+v", cond)
	}
	if cond.ModifiedAccessConditions == nil || string(*cond.ModifiedAccessConditions.IfMatch) != `"0x8D"` {
		t.Fatalf("missing if-match: %+v", cond.ModifiedAccessConditions)
	}
	if cond := leaseConditions(storage.Lease{ID: "lease-1"}, ""); cond.ModifiedAccessConditions != nil {
		t.Fatal("unexpected if-match without version")
	}
}

func TestErrorClassification(t *testing.T) {
	respErr := func(status int, code string) error {
		return fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: status, ErrorCode: code})
	}
	if !isNotFound(respErr(http.StatusNotFound, "BlobNotFound")) {
		t.Fatal("BlobNotFound misclassified")
	}
	if !isLeaseHeld(respErr(http.StatusConflict, "LeaseAlreadyPresent")) {
		t.Fatal("LeaseAlreadyPresent misclassified")
	}
	lost := respErr(http.StatusPreconditionFailed, "LeaseIdMismatchWithBlobOperation")
	if !isLeaseLost(lost) || isNotFound(lost) || isLeaseHeld(lost) {
		t.Fatal("lease mismatch misclassified")
	}
	if !isPreconditionFailed(respErr(http.StatusPreconditionFailed, "ConditionNotMet")) {
		t.Fatal("ConditionNotMet misclassified")
	}
	if !isContainerExists(respErr(http.StatusConflict, "ContainerAlreadyExists")) {
		t.Fatal("ContainerAlreadyExists misclassified")
	}
	if isNotFound(fmt.Errorf("plain")) || isLeaseLost(fmt.Errorf("plain")) {
		t.Fatal("plain error misclassified")
	}
}
