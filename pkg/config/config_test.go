package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/richardartoul/artifactcache/pkg/archive"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GITHUB_REPOSITORY", "")
	t.Setenv("ARTIFACTCACHE_ROOT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendLocal {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendLocal)
	}
	if cfg.Method() != archive.MethodZstd {
		t.Errorf("Method() = %s, want zstd", cfg.Method())
	}
	if cfg.Repository != "local" {
		t.Errorf("Repository = %q, want local", cfg.Repository)
	}
	if !filepath.IsAbs(cfg.Root) {
		t.Errorf("Root should be absolute, got %q", cfg.Root)
	}
}

func TestLoadFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ARTIFACTCACHE_ROOT", root)
	t.Setenv("ARTIFACTCACHE_COMPRESSION", "gzip")
	t.Setenv("ARTIFACTCACHE_CROSS_OS", "true")
	t.Setenv("GITHUB_REPOSITORY", "acme/widgets")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Root != root {
		t.Errorf("Root = %q, want %q", cfg.Root, root)
	}
	if cfg.Method() != archive.MethodGzip {
		t.Errorf("Method() = %s, want gzip", cfg.Method())
	}
	if !cfg.CrossOS {
		t.Error("CrossOS should be true")
	}
	if cfg.Repository != "acme/widgets" {
		t.Errorf("Repository = %q, want acme/widgets", cfg.Repository)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifactcache.yaml")
	content := "backend: s3\ns3_bucket: build-cache\ns3_prefix: ci/\nrepository: acme/api\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARTIFACTCACHE_S3_REGION", "eu-west-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendS3 || cfg.S3Bucket != "build-cache" || cfg.S3Prefix != "ci" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.S3Region != "eu-west-1" {
		t.Errorf("S3Region = %q, want env override eu-west-1", cfg.S3Region)
	}
	if cfg.Repository != "acme/api" {
		t.Errorf("Repository = %q", cfg.Repository)
	}
}

func TestLoadS3IgnoresLocalRoot(t *testing.T) {
	t.Setenv("ARTIFACTCACHE_ROOT", "")
	t.Setenv("ARTIFACTCACHE_S3_PREFIX", "")
	t.Setenv("ARTIFACTCACHE_BACKEND", "s3")
	t.Setenv("ARTIFACTCACHE_S3_BUCKET", "b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Root != "" {
		t.Errorf("Root = %q, want empty for the s3 backend", cfg.Root)
	}
	if cfg.S3Prefix != "" {
		t.Errorf("S3Prefix = %q, want empty by default", cfg.S3Prefix)
	}

	t.Setenv("ARTIFACTCACHE_S3_PREFIX", "/team-a/")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.S3Prefix != "team-a" {
		t.Errorf("S3Prefix = %q, want team-a", cfg.S3Prefix)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"unknown backend":     {Backend: "ftp", Root: "/tmp", WorkDir: "."},
		"s3 without bucket":   {Backend: BackendS3, WorkDir: "."},
		"unknown compression": {Backend: BackendLocal, Root: "/tmp", Compression: "lz4", WorkDir: "."},
		"empty workdir":       {Backend: BackendLocal, Root: "/tmp"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	ok := Config{Backend: BackendLocal, Root: "/tmp", Compression: "zstd-without-long", WorkDir: "."}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
