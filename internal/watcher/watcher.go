// Package watcher monitors a configured set of directories and files for
// filesystem activity and feeds FILE-UPDATE/FILE-CLOSE notifications to the
// parser via an mqueue.Queue. The runtime watched-item objects it creates
// and destroys are the identity the parser and, indirectly, the writer use
// to reach back into the configuration-derived Format/Table/WatchedFile
// descriptors.
package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/mqueue"
)

// Kind distinguishes the two variants of a runtime Item.
type Kind int

const (
	DirItem Kind = iota
	FileItem
)

// Item is the runtime watched-item described by the data model: a tagged
// variant over a watched directory or a watched file, keyed by its kernel
// watch descriptor. A FileItem additionally owns the open stream and parse
// buffer the parser reads and segments; a DirItem only ever appears as the
// parent of FileItems, whose FILE-CLOSEs it triggers on MOVE_SELF/IGNORED.
//
// Ownership: the watcher creates and registers an Item, and the parser
// frees its file resources upon processing its final FILE-CLOSE (see
// internal/parser). No field here is touched concurrently: the watcher
// goroutine only ever reads the descriptor fields (WD, Path, Dir, File)
// after handoff, and the parser goroutine only ever touches Stream/Buf/
// Fill/Discard.
type Item struct {
	Kind Kind
	WD   int
	Path string // absolute path: directory path for DirItem, file path for FileItem

	Dir  *entities.WatchedDirectory // set for DirItem
	File *entities.WatchedFile      // set for FileItem

	// Stream, Buf, Fill, and Discard are the parser's per-file state,
	// pre-allocated here at creation time so the parser never has to
	// fail mid-segmentation for lack of a buffer.
	Stream  *os.File
	Buf     []byte
	Fill    int
	Discard *os.File

	// Cursor and LastMatchLen are the parser's segmentation state: the
	// position in Buf the next record search resumes from, and (only-
	// starts mode) the length of the re_starts match that begins at
	// Cursor, so the next search skips past it instead of re-matching it.
	Cursor       int
	LastMatchLen int
}

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithSeek0 controls whether newly opened files are read from their
// beginning (true) or from their current end (false, the default).
func WithSeek0(seek0 bool) Option {
	return func(w *Watcher) { w.seek0 = seek0 }
}

// WithLogger overrides the watcher's logger. The default discards all
// output.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// Watcher observes a fixed set of watched directories for filesystem
// activity and emits FILE-UPDATE/FILE-CLOSE messages on its output queue.
type Watcher struct {
	dirs   []*entities.WatchedDirectory
	out    *mqueue.Queue
	logger *slog.Logger
	seek0  bool

	inotifyFd int
	pipeR     int
	pipeW     int

	mu     sync.Mutex
	byWD   map[int]*Item
	byPath map[string]*Item // FileItem only; key is absolute path

	ready    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watcher over dirs, delivering FILE-UPDATE/FILE-CLOSE
// messages onto out. It does not touch the filesystem or the kernel until
// Start is called.
func New(dirs []*entities.WatchedDirectory, out *mqueue.Queue, opts ...Option) *Watcher {
	w := &Watcher{
		dirs:   dirs,
		out:    out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		byWD:   make(map[int]*Item),
		byPath: make(map[string]*Item),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready returns a channel closed once initial directory and file watches
// have been installed, useful for tests that must not race a filesystem
// write against watch registration.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// openFile opens path for the parser, honouring w.seek0, and pre-allocates
// its parse buffer sized to wf.Format.MaxLength.
func (w *Watcher) openFile(path string, wf *entities.WatchedFile) (*os.File, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !w.seek0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return f, make([]byte, wf.Format.MaxLength), nil
}

// registerFile creates, opens, and indexes a new FileItem for path under
// directory item dirItem, using wf to open and size it. It emits a
// FILE-UPDATE for the new item. Watch and open failures are logged and
// swallowed, per the watcher's per-item failure semantics; a path that
// cannot be stat'ed or is not a regular file is skipped without a log line.
func (w *Watcher) registerFile(dirItem *Item, path string, wf *entities.WatchedFile) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || !info.Mode().IsRegular() {
		return
	}

	wd, err := w.addFileWatch(path)
	if err != nil {
		w.logger.Warn("watcher: install file watch failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	stream, buf, err := w.openFile(path, wf)
	if err != nil {
		w.logger.Warn("watcher: open failed", slog.String("path", path), slog.Any("error", err))
		w.removeWatch(wd)
		return
	}

	item := &Item{
		Kind:   FileItem,
		WD:     wd,
		Path:   path,
		Dir:    dirItem.Dir,
		File:   wf,
		Stream: stream,
		Buf:    buf,
	}

	w.mu.Lock()
	w.byWD[wd] = item
	w.byPath[path] = item
	w.mu.Unlock()

	w.logger.Info("watcher: watching file", slog.String("path", path), slog.String("table", wf.Table.Name))
	w.out.Push(mqueue.FileUpdate, item, true, 0)
}

// closeFile removes item from the indexes and emits a FILE-CLOSE for it so
// the parser can drain and free it. It does not itself close item.Stream —
// per the data model, the parser owns that once it processes the
// FILE-CLOSE.
func (w *Watcher) closeFile(item *Item) {
	w.mu.Lock()
	delete(w.byWD, item.WD)
	delete(w.byPath, item.Path)
	w.mu.Unlock()

	w.out.Push(mqueue.FileClose, item, false, 0)
}

// moveSelfDir handles a MOVE_SELF on a directory watch: the directory and
// every file registered under it are torn down.
func (w *Watcher) moveSelfDir(dirItem *Item) {
	w.mu.Lock()
	var toClose []*Item
	prefix := dirItem.Path + string(filepath.Separator)
	for path, item := range w.byPath {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			toClose = append(toClose, item)
		}
	}
	delete(w.byWD, dirItem.WD)
	w.mu.Unlock()

	for _, item := range toClose {
		w.closeFile(item)
	}
	w.logger.Warn("watcher: watched directory moved away", slog.String("path", dirItem.Path))
}

// lookupByWD returns the item registered under wd, if any.
func (w *Watcher) lookupByWD(wd int) (*Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.byWD[wd]
	return item, ok
}

// lookupByPath returns the FileItem registered under path, if any.
func (w *Watcher) lookupByPath(path string) (*Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.byPath[path]
	return item, ok
}

// setup installs the initial directory and file watches for every
// configured watched directory, as described by the data model's Setup
// step, and emits one FILE-UPDATE per pre-existing matched file.
func (w *Watcher) setup() {
	for _, dir := range w.dirs {
		info, err := os.Stat(dir.Path)
		if err != nil || !info.IsDir() {
			w.logger.Warn("watcher: watched directory not accessible at startup", slog.String("path", dir.Path), slog.Any("error", err))
			continue
		}

		wd, err := w.addDirWatch(dir.Path)
		if err != nil {
			w.logger.Warn("watcher: install directory watch failed", slog.String("path", dir.Path), slog.Any("error", err))
			continue
		}

		dirItem := &Item{Kind: DirItem, WD: wd, Path: dir.Path, Dir: dir}
		w.mu.Lock()
		w.byWD[wd] = dirItem
		w.mu.Unlock()
		w.logger.Info("watcher: watching directory", slog.String("path", dir.Path))

		entries, err := os.ReadDir(dir.Path)
		if err != nil {
			w.logger.Warn("watcher: enumerate directory failed", slog.String("path", dir.Path), slog.Any("error", err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if wf := dir.MatchName(e.Name()); wf != nil {
				w.registerFile(dirItem, filepath.Join(dir.Path, e.Name()), wf)
			}
		}
	}
}

// Start installs watches and begins monitoring in a background goroutine.
// It returns once the kernel event channel has been initialised; Ready()
// closes once initial watches are installed.
func (w *Watcher) Start(_ context.Context) error {
	if err := w.initInotify(); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop interrupts the runtime loop, unwatches everything (emitting a
// FILE-CLOSE for every still-registered file so the parser frees them),
// and closes the output queue. It blocks until the background goroutine
// exits. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.interrupt()
		w.wg.Wait()

		w.mu.Lock()
		items := make([]*Item, 0, len(w.byWD))
		for _, item := range w.byWD {
			if item.Kind == FileItem {
				items = append(items, item)
			}
		}
		w.byWD = make(map[int]*Item)
		w.byPath = make(map[string]*Item)
		w.mu.Unlock()

		for _, item := range items {
			w.out.Push(mqueue.FileClose, item, false, 0)
		}
		w.closeInotify()
		w.out.Close()
	})
}
