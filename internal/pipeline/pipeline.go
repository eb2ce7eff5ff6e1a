// Package pipeline wires the watcher, parser, and writer into the three
// stage Watcher -> queue -> Parser -> queue -> Writer pipeline and owns
// their shared lifecycle: one context/cancel pair, and an orderly shutdown
// that lets in-flight bytes drain to the database before any goroutine
// exits.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/torrentg/log2pg/internal/config"
	"github.com/torrentg/log2pg/internal/mqueue"
	"github.com/torrentg/log2pg/internal/parser"
	"github.com/torrentg/log2pg/internal/watcher"
	"github.com/torrentg/log2pg/internal/writer"
)

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithLogger overrides the pipeline's base logger. Each component receives
// a derived logger tagged with its own "component" attribute. The default
// discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithSeek0 controls whether pre-existing watched files are read from their
// current end (the default) or from byte 0 at startup.
func WithSeek0(seek0 bool) Option {
	return func(p *Pipeline) { p.seek0 = seek0 }
}

// WithTerminate overrides the callback invoked when the writer exhausts its
// reconnection budget. The default stops the watcher (which closes the
// watcher-to-parser queue and so unwinds the parser) and cancels the
// pipeline's own context.
func WithTerminate(fn func()) Option {
	return func(p *Pipeline) { p.terminate = fn }
}

// Pipeline is the central orchestrator: it builds the watcher-to-parser and
// parser-to-writer queues, the three components, and supervises their
// goroutines through a single context/cancel pair.
type Pipeline struct {
	cfg    *config.Config
	logger *slog.Logger
	seek0  bool

	terminate func()

	w2p *mqueue.Queue
	p2w *mqueue.Queue

	watcher *watcher.Watcher
	parser  *parser.Parser
	writer  *writer.Writer

	runID uuid.UUID

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	mu      sync.Mutex
	running bool
	errs    []error
}

// New builds a Pipeline from a fully resolved configuration. Components
// are not started until Start is called.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(nilWriter{}, nil)),
		runID:  uuid.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	compLogger := func(component string) *slog.Logger {
		return p.logger.With(slog.String("component", component))
	}

	p.w2p = mqueue.New("watcher-to-parser", 0)
	p.p2w = mqueue.New("parser-to-writer", 0)

	p.watcher = watcher.New(cfg.Directories, p.w2p,
		watcher.WithSeek0(p.seek0),
		watcher.WithLogger(compLogger("watcher")),
	)
	p.parser = parser.New(p.w2p, p.p2w,
		parser.WithLogger(compLogger("parser")),
	)

	terminate := p.terminate
	if terminate == nil {
		terminate = func() {
			// watcher.Start ignores context cancellation (it can only be
			// unblocked through its own Stop), so terminating the pipeline
			// from inside the writer has to stop it explicitly instead of
			// relying on cancel alone.
			p.watcher.Stop()
			if p.cancel != nil {
				p.cancel()
			}
		}
	}
	p.writer = writer.New(cfg.Writer, cfg.Tables, p.p2w,
		writer.WithLogger(compLogger("writer")),
		writer.WithTerminate(terminate),
	)

	return p
}

// Start installs the watcher's filesystem watches and launches the parser
// and writer goroutines. It returns once the watcher has finished its
// initial setup pass, or an error if the watcher fails to initialise. A
// writer start-up failure (connect or prepare) is not returned here; it is
// reported through Err and closes Done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("starting log2pg pipeline",
		slog.String("run_id", p.runID.String()),
		slog.Int("directories", len(p.cfg.Directories)),
		slog.Int("tables", len(p.cfg.Tables)),
	)

	if err := p.watcher.Start(ctx); err != nil {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("pipeline: watcher failed to start: %w", err)
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := p.parser.Run(ctx); err != nil {
			p.recordErr(fmt.Errorf("pipeline: parser: %w", err))
		}
	}()
	go func() {
		defer p.wg.Done()
		if err := p.writer.Run(ctx); err != nil {
			p.recordErr(fmt.Errorf("pipeline: writer: %w", err))
			// With the writer gone nothing drains the parser's output, so
			// unwind the watcher and parser as well; Done then closes.
			p.watcher.Stop()
			cancel()
		}
	}()

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	select {
	case <-p.watcher.Ready():
	case <-ctx.Done():
	}

	p.logger.Info("log2pg pipeline started")
	return nil
}

// Stop tears the pipeline down in stage order: the watcher stops first and
// closes the watcher-to-parser queue, which drains the parser and closes
// the parser-to-writer queue in turn, which drains the writer. It blocks
// until every goroutine has exited and is safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.watcher.Stop()
		p.wg.Wait()

		if p.cancel != nil {
			p.cancel()
		}

		p.mu.Lock()
		p.running = false
		p.mu.Unlock()

		p.logger.Info("log2pg pipeline stopped")
	})
}

// Done returns a channel that closes once the parser and writer goroutines
// have both exited — whether because Stop was called, or because the
// writer exited on its own: a start-up connect or prepare failure,
// exhausting its reconnection budget, or an ERROR message from upstream. Callers that need to react to
// self-termination (e.g. to exit the process) should select on Done
// alongside their own shutdown signals, then call Stop to release the
// watcher and Err to check for a failure.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the first error, if any, recorded by the parser or writer
// goroutines when they exited. Call it after Stop returns.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	return p.errs[0]
}

func (p *Pipeline) recordErr(err error) {
	p.logger.Error("pipeline: component exited with error", slog.Any("error", err))
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

// nilWriter discards everything written to it, used as the default logger
// sink so a Pipeline constructed without WithLogger stays silent.
type nilWriter struct{}

func (nilWriter) Write(b []byte) (int, error) { return len(b), nil }
