//go:build linux

package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/torrentg/log2pg/internal/mqueue"
)

// dirMask is the inotify mask installed on every watched-directory watch,
// matching the data model's setup step exactly: CREATE, MOVED_FROM,
// MOVED_TO, DELETE, MOVE_SELF, EXCL_UNLINK, ONLYDIR.
const dirMask uint32 = unix.IN_CREATE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_DELETE | unix.IN_MOVE_SELF | unix.IN_EXCL_UNLINK | unix.IN_ONLYDIR

// fileMask is the inotify mask installed on every watched-file watch.
const fileMask uint32 = unix.IN_MODIFY

var inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// initInotify opens the inotify kernel channel and the self-pipe used to
// interrupt the blocking poll(2) in run() on shutdown.
func (w *Watcher) initInotify() error {
	ifd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("InotifyInit1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(ifd)
		return fmt.Errorf("pipe2: %w", err)
	}

	w.inotifyFd = ifd
	w.pipeR = fds[0]
	w.pipeW = fds[1]
	return nil
}

// closeInotify releases the kernel channel and self-pipe.
func (w *Watcher) closeInotify() {
	unix.Close(w.pipeW)
	unix.Close(w.pipeR)
	unix.Close(w.inotifyFd)
}

// interrupt unblocks the poll(2) call in run() by writing to the self-pipe.
func (w *Watcher) interrupt() {
	unix.Write(w.pipeW, []byte{0}) //nolint:errcheck
}

func (w *Watcher) addDirWatch(path string) (int, error) {
	return unix.InotifyAddWatch(w.inotifyFd, path, dirMask)
}

func (w *Watcher) addFileWatch(path string) (int, error) {
	return unix.InotifyAddWatch(w.inotifyFd, path, fileMask)
}

func (w *Watcher) removeWatch(wd int) {
	unix.InotifyRmWatch(w.inotifyFd, uint32(wd)) //nolint:errcheck
}

// run is the watcher's single background goroutine: it installs the
// initial watches, signals readiness, then multiplexes the inotify
// descriptor against the shutdown self-pipe via poll(2) until interrupted.
func (w *Watcher) run() {
	defer w.wg.Done()

	w.setup()
	close(w.ready)

	// Large enough to hold many events; each is inotifyEventSize plus up
	// to NAME_MAX+1 bytes of name.
	const bufSize = 4096 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []unix.PollFd{
		{Fd: int32(w.inotifyFd), Events: unix.POLLIN},
		{Fd: int32(w.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("watcher: poll failed", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(w.inotifyFd, buf)
		if err != nil {
			w.logger.Error("watcher: read failed", slog.Any("error", err))
			return
		}

		w.parseAndDispatch(buf[:n])
	}
}

// parseAndDispatch decodes a raw inotify event buffer and dispatches each
// event in turn. Binary layout matches <sys/inotify.h>'s struct
// inotify_event: wd (int32), mask (uint32), cookie (uint32), len (uint32),
// then len bytes of NUL-padded name.
func (w *Watcher) parseAndDispatch(buf []byte) {
	for offset := 0; offset+inotifyEventSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}

		w.dispatchEvent(int(ev.Wd), ev.Mask, name)
	}
}

// dispatchEvent implements the runtime loop's event table (§4.2): MODIFY on
// a file, CREATE/MOVED_TO and DELETE/MOVED_FROM on a directory, MOVE_SELF
// on a directory, and the implicit-removal/overflow cases.
func (w *Watcher) dispatchEvent(wd int, mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		w.logger.Warn("watcher: kernel event queue overflowed; events may have been lost")
		return
	}

	item, ok := w.lookupByWD(wd)
	if !ok {
		return
	}

	if mask&unix.IN_IGNORED != 0 {
		if item.Kind == FileItem {
			w.closeFile(item)
		} else {
			w.moveSelfDir(item)
		}
		return
	}

	switch item.Kind {
	case FileItem:
		if mask&unix.IN_MODIFY != 0 {
			w.out.Push(mqueue.FileUpdate, item, true, 0)
		}

	case DirItem:
		if mask&unix.IN_ISDIR != 0 {
			// Non-recursive: sub-directory entry events inside a watched
			// directory are not tracked.
			return
		}
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			if wf := item.Dir.MatchName(name); wf != nil {
				path := filepath.Join(item.Path, name)
				if _, exists := w.lookupByPath(path); !exists {
					w.registerFile(item, path, wf)
				}
			}
		case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
			path := filepath.Join(item.Path, name)
			if fileItem, exists := w.lookupByPath(path); exists {
				w.closeFile(fileItem)
			}
		case mask&unix.IN_MOVE_SELF != 0:
			w.moveSelfDir(item)
		}
	}
}
