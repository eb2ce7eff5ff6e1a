// Package parser reads newly appended bytes from watched files, segments
// them into records with a file's configured regexes, extracts named
// fields, and forwards row tuples to the writer. It is the single consumer
// of the watcher's output queue and the single producer of its own.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/mqueue"
	"github.com/torrentg/log2pg/internal/rowtuple"
	"github.com/torrentg/log2pg/internal/watcher"
)

// Option configures a Parser at construction time.
type Option func(*Parser)

// WithLogger overrides the parser's logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

// Parser consumes FILE-UPDATE/FILE-CLOSE messages from in and produces ROW
// messages on out.
type Parser struct {
	in     *mqueue.Queue
	out    *mqueue.Queue
	logger *slog.Logger
}

// New creates a Parser reading watcher notifications from in and writing
// row tuples to out.
func New(in, out *mqueue.Queue, opts ...Option) *Parser {
	p := &Parser{in: in, out: out, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pops messages from in until it is closed or the context is
// cancelled, dispatching FILE-UPDATE to handleUpdate and FILE-CLOSE to
// handleClose. On exit it closes out so the writer can drain and finish.
func (p *Parser) Run(ctx context.Context) error {
	defer p.out.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg := p.in.Pop(200 * time.Millisecond)
		switch msg.Type {
		case mqueue.Timeout:
			continue
		case mqueue.Closed, mqueue.Interrupted:
			return nil
		case mqueue.FileUpdate:
			item, ok := msg.Payload.(*watcher.Item)
			if !ok {
				continue
			}
			p.handleUpdate(item)
		case mqueue.FileClose:
			item, ok := msg.Payload.(*watcher.Item)
			if !ok {
				continue
			}
			p.handleClose(item)
		default:
			p.logger.Warn("parser: unexpected message type", slog.String("type", msg.Type.String()))
		}
	}
}

// handleUpdate reads until EOF or the buffer is exhausted, running the
// segmenter after every read, per the per-file state machine.
func (p *Parser) handleUpdate(item *watcher.Item) {
	for {
		if item.Fill >= len(item.Buf)-1 {
			// No room left without a record boundary in the buffered
			// bytes: segment() applies the BUFFER_FULL overflow policy
			// and resets Fill to 0 before we read further.
			p.segment(item)
		}

		// Cap the read target to len(item.Buf)-1 so a single Read can never
		// push Fill past the boundary the BUFFER_FULL check above assumes:
		// without this, one large Read could fill the whole buffer in one
		// shot and skip straight over the check, discarding a full buffer's
		// worth of bytes instead of the policy's maxlength-1.
		n, err := item.Stream.Read(item.Buf[item.Fill : len(item.Buf)-1])
		if n > 0 {
			item.Fill += n
			p.segment(item)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("parser: read failed", slog.String("path", item.Path), slog.Any("error", err))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// handleClose runs one final read/segmentation cycle then releases the
// item's file resources, per the FILE-CLOSE handling step.
func (p *Parser) handleClose(item *watcher.Item) {
	p.handleUpdate(item)

	if item.Stream != nil {
		item.Stream.Close()
	}
	if item.Discard != nil {
		item.Discard.Close()
	}
}

// segment runs the configured segmentation mode repeatedly until no
// further record boundary can be found in the buffered bytes, then
// compacts the unparsed tail to the front of the buffer.
func (p *Parser) segment(item *watcher.Item) {
	format := item.File.Format

	if item.Fill >= len(item.Buf)-1 {
		p.discard(item, item.Buf[:item.Fill], "BUFFER_FULL")
		item.Fill = 0
		item.Cursor = 0
		item.LastMatchLen = 0
		return
	}

	data := item.Buf[:item.Fill]

	switch {
	case format.ReStarts != nil && format.ReEnds != nil:
		p.segmentBothBounds(item, data, format)
	case format.ReStarts != nil:
		p.segmentStartsOnly(item, data, format)
	default:
		p.segmentEndsOnly(item, data, format)
	}

	p.compact(item)
}

func (p *Parser) segmentBothBounds(item *watcher.Item, data []byte, format *entities.Format) {
	for {
		rest := data[item.Cursor:]
		locStart := format.ReStarts.FindIndex(rest)
		if locStart == nil {
			return
		}
		p1 := item.Cursor + locStart[0]

		locEnd := format.ReEnds.FindIndex(data[p1:])
		if locEnd == nil {
			return
		}
		p2 := p1 + locEnd[1]

		if interChunk := data[item.Cursor:p1]; len(interChunk) > 0 {
			p.discard(item, interChunk, "INTER_CHUNK")
		}
		p.processRecord(item, data[p1:p2])
		item.Cursor = p2
	}
}

func (p *Parser) segmentStartsOnly(item *watcher.Item, data []byte, format *entities.Format) {
	for {
		searchFrom := item.Cursor + item.LastMatchLen
		if searchFrom > len(data) {
			return
		}
		loc := format.ReStarts.FindIndex(data[searchFrom:])
		if loc == nil {
			return
		}
		nextStart := searchFrom + loc[0]
		nextLen := loc[1] - loc[0]

		p.processRecord(item, data[item.Cursor:nextStart])
		item.Cursor = nextStart
		item.LastMatchLen = nextLen
	}
}

func (p *Parser) segmentEndsOnly(item *watcher.Item, data []byte, format *entities.Format) {
	for {
		rest := data[item.Cursor:]
		loc := format.ReEnds.FindIndex(rest)
		if loc == nil {
			return
		}
		end := item.Cursor + loc[1]
		p.processRecord(item, data[item.Cursor:end])
		item.Cursor = end
	}
}

// compact moves the unparsed tail (from Cursor to Fill) to the front of
// the buffer and rebases Cursor to 0.
func (p *Parser) compact(item *watcher.Item) {
	if item.Cursor == 0 {
		return
	}
	n := copy(item.Buf, item.Buf[item.Cursor:item.Fill])
	item.Fill = n
	item.Cursor = 0
}

// processRecord runs the values regex against a delimited record. A
// non-match is sent to the discard sink; a match is reordered into
// table-parameter order and forwarded to the writer as a ROW message.
func (p *Parser) processRecord(item *watcher.Item, record []byte) {
	format := item.File.Format

	m := format.ReValues.FindSubmatch(record)
	if m == nil {
		p.discard(item, record, "NO_MATCH_PATTERN")
		return
	}

	names := format.ReValues.SubexpNames()
	captures := make([]string, 0, len(format.Captures))
	for i, n := range names {
		if n == "" {
			continue
		}
		captures = append(captures, string(m[i]))
	}

	row := rowtuple.New(item.File, captures)
	p.out.Push(mqueue.Row, &row, false, 0)
}

// discard lazily opens item.Discard and appends a header line plus the raw
// discarded bytes. If the watched file has no discard template configured,
// the bytes are dropped silently.
func (p *Parser) discard(item *watcher.Item, data []byte, cause string) {
	if len(data) == 0 {
		return
	}
	if item.File.DiscardTemplate == "" {
		return
	}

	if item.Discard == nil {
		realpath, err := filepath.Abs(item.Path)
		if err != nil {
			realpath = item.Path
		}
		path := item.File.DiscardPath(realpath)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			p.logger.Warn("parser: open discard sink failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		item.Discard = f
	}

	header := fmt.Sprintf("%s - file=%s, cause=%s\n", time.Now().Format("2006-01-02 15:04:05"), item.Path, cause)
	if _, err := item.Discard.WriteString(header); err != nil {
		p.logger.Warn("parser: write discard header failed", slog.Any("error", err))
		return
	}
	if _, err := item.Discard.Write(data); err != nil {
		p.logger.Warn("parser: write discard body failed", slog.Any("error", err))
		return
	}
	item.Discard.Sync()
}
