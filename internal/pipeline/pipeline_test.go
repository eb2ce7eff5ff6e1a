//go:build linux

package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/torrentg/log2pg/internal/config"
	"github.com/torrentg/log2pg/internal/pipeline"
	"github.com/torrentg/log2pg/internal/writer"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Writer: writer.Config{
			// Nothing listens on port 1: pgx.Connect fails fast with
			// connection-refused instead of hanging on a real dial.
			ConnectionURL:          "postgres://127.0.0.1:1/nope",
			MaxFailedReconnections: 1,
		},
	}
}

func TestPipelineStartStopWithNoWatchedDirectories(t *testing.T) {
	p := pipeline.New(minimalConfig())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	p.Stop()
	p.Stop() // idempotent

	if err := p.Err(); err == nil {
		t.Error("expected the writer's failed startup connect to be recorded")
	}
}

func TestPipelineDoneClosesWhenWriterTerminatesItself(t *testing.T) {
	p := pipeline.New(minimalConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The writer can never reach postgres://127.0.0.1:1, so it fails its
	// startup connect and Run returns an error on its own — this is what a
	// caller selecting on Done alongside a signal channel (cmd/log2pg)
	// relies on to notice self-termination instead of blocking forever.
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() did not close after the writer exited on its own")
	}

	p.Stop()

	if err := p.Err(); err == nil {
		t.Error("expected Err() to report the writer's failure")
	}
}

func TestPipelineCannotStartTwiceConcurrently(t *testing.T) {
	p := pipeline.New(minimalConfig())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected an error starting an already-running pipeline, got nil")
	}
}

func TestPipelineStopUnblocksWithoutWaitingForCallerCancel(t *testing.T) {
	p := pipeline.New(minimalConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
