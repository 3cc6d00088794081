package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"animecatalog/internal/jobs"
)

func TestBuildWiresInProcessPipeline(t *testing.T) {
	cfg := Config{
		DBDriver:        "sqlite",
		DBDSN:           filepath.Join(t.TempDir(), "catalog.db"),
		MetadataBaseURL: "http://127.0.0.1:1",
		LinkBaseURL:     "http://127.0.0.1:1",
		JobBackend:      "inprocess",
		JobConcurrency:  2,
	}
	components, err := Build(context.Background(), cfg, slog.Default(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = components.Close() })

	if components.Redis != nil {
		t.Fatalf("redis must stay disabled without REDIS_URL")
	}
	if err := components.Store.Ping(context.Background()); err != nil {
		t.Fatalf("store not usable: %v", err)
	}
	runner, shutdown, err := components.NewRunner(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, ok := runner.(*jobs.LocalRunner); !ok {
		t.Fatalf("expected in-process runner, got %T", runner)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestAsynqBackendRequiresRedis(t *testing.T) {
	if _, err := AsynqRedis(Config{JobBackend: "asynq"}); err == nil {
		t.Fatalf("expected an error without REDIS_URL")
	}
	if _, err := AsynqRedis(Config{RedisURL: "redis://localhost:6379/2"}); err != nil {
		t.Fatalf("AsynqRedis: %v", err)
	}
}
