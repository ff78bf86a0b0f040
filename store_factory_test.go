package guildstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/storage/disk"
	loggingstore "pkt.systems/guildstore/internal/storage/logging"
)

func TestStoreKind(t *testing.T) {
	cases := map[string]string{
		"mem://":                     "mem",
		"memory://":                  "mem",
		"disk:file-data/guilds":      "disk",
		"disk:///var/lib/guildstore": "disk",
		"s3://localhost:9000/guilds": "s3",
		"aws://guilds/prod":          "aws",
		"azure://acct/guilds/prod":   "azure",
	}
	for raw, want := range cases {
		got, err := StoreKind(raw)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := StoreKind("ftp://nope"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:file-data/guilds", MaxRecordBytes: 42})
	if err != nil {
		t.Fatalf("relative: %v", err)
	}
	if cfg.Root != filepath.Clean("file-data/guilds") || cfg.MaxRecordBytes != 42 {
		t.Fatalf("unexpected relative config %+v", cfg)
	}
	cfg, err = BuildDiskConfig(Config{Store: "disk:///var/lib/guildstore/"})
	if err != nil {
		t.Fatalf("absolute: %v", err)
	}
	if cfg.Root != "/var/lib/guildstore" {
		t.Fatalf("unexpected absolute root %q", cfg.Root)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	t.Setenv("AZURE_STORAGE_CONNECTION_STRING", "")
	t.Setenv("GUILDSTORE_AZURE_CONNECTION_STRING", "")
	t.Setenv("AZURE_STORAGE_KEY", "envkey")

	cfg, err := BuildAzureConfig(Config{Store: "azure://acct/guilds/prod/eu?endpoint=http://127.0.0.1:10000/acct"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "guilds" || cfg.Prefix != "prod/eu" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Endpoint != "http://127.0.0.1:10000/acct" || cfg.AccountKey != "envkey" {
		t.Fatalf("unexpected endpoint or key %+v", cfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected missing container error")
	}
	if _, err := BuildAzureConfig(Config{Store: "azure:///guilds"}); err == nil {
		t.Fatal("expected missing account error")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	t.Setenv("GUILDSTORE_S3_ACCESS_KEY_ID", "")
	t.Setenv("GUILDSTORE_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("GUILDSTORE_S3_SESSION_TOKEN", "")

	cfg, summary, err := BuildGenericS3Config(Config{
		Store:             "s3://localhost:9000/guilds/prod?insecure=true",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Endpoint != "localhost:9000" || cfg.Bucket != "guilds" || cfg.Prefix != "prod" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle || cfg.CustomCreds == nil {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	if summary.Source != "config" || summary.AccessKey != "minio" || !summary.HasSecret {
		t.Fatalf("unexpected summary %+v", summary)
	}

	_, summary, err = BuildGenericS3Config(Config{Store: "s3://localhost:9000/guilds?scheme=http"})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if summary.Source != "chain" {
		t.Fatalf("expected credential chain, got %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/guilds", S3AccessKeyID: "only"}); err == nil {
		t.Fatal("expected incomplete credentials error")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")

	cfg, err := BuildAWSConfig(Config{Store: "aws://guilds/prod?region=eu-north-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Bucket != "guilds" || cfg.Prefix != "prod" || cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cfg, err = BuildAWSConfig(Config{Store: "aws://guilds", AWSRegion: "us-east-1"})
	if err != nil || cfg.Region != "us-east-1" {
		t.Fatalf("expected config region, got %+v (%v)", cfg, err)
	}
	if _, err := BuildAWSConfig(Config{Store: "aws://guilds"}); err == nil {
		t.Fatal("expected missing region error")
	}
}

func TestRedactStoreURL(t *testing.T) {
	got := redactStoreURL("azure://acct/guilds?sas=sv%3D1%26sig%3Dabc")
	if strings.Contains(got, "sig") || !strings.Contains(got, "REDACTED") {
		t.Fatalf("sas not redacted: %s", got)
	}
	if got := redactStoreURL("disk:file-data/guilds"); got != "disk:file-data/guilds" {
		t.Fatalf("unexpected rewrite %s", got)
	}
}

func TestOpenStoreDisk(t *testing.T) {
	root := t.TempDir()
	store, err := OpenStore(Config{Store: "disk://" + root})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := loggingstore.Unwrap(store).(*disk.Store); !ok {
		t.Fatalf("expected wrapped disk store, got %T", loggingstore.Unwrap(store))
	}
	res, err := store.Checkout(context.Background(), 1)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Status() != checkout.StatusNotFound {
		t.Fatalf("expected not found in empty dir, got %v", res)
	}

	bare, err := OpenStore(Config{Store: "mem://", DisableStorageTracing: true})
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	defer bare.Close()
	if loggingstore.Unwrap(bare) != bare {
		t.Fatal("tracing disabled store should not be wrapped")
	}
}
