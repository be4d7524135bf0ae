package config

import (
	"os"
	"testing"
)

func TestLoadRequiresAtLeastOneSource(t *testing.T) {
	os.Unsetenv("CLIO_ETL_SOURCES")
	t.Setenv("CLIO_CONFIG_FILE", "/nonexistent/clio.yaml")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error when no etl_sources are configured")
	}
}

func TestLoadParsesSourcesFromEnv(t *testing.T) {
	t.Setenv("CLIO_CONFIG_FILE", "/nonexistent/clio.yaml")
	t.Setenv("CLIO_ETL_SOURCES", `[{"ip":"10.0.0.1","ws_port":6006,"grpc_port":50051}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.ETLSources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(cfg.ETLSources))
	}
	if cfg.ETLSources[0].String() != "10.0.0.1:6006:50051" {
		t.Fatalf("unexpected source string: %s", cfg.ETLSources[0].String())
	}
}

func TestClampMarkersBounds(t *testing.T) {
	cases := map[int]int{0: 1, -5: 1, 16: 16, 256: 256, 300: 256}
	for in, want := range cases {
		if got := clampMarkers(in); got != want {
			t.Fatalf("clampMarkers(%d) = %d, want %d", in, got, want)
		}
	}
}
