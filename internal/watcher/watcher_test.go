//go:build linux

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/mqueue"
)

func mustWatchedDir(t *testing.T, dirPath, glob string) *entities.WatchedDirectory {
	t.Helper()
	format, err := entities.NewFormat("f", 0, "", "", `(?P<msg>.*)`)
	if err != nil {
		t.Fatalf("NewFormat: %v", err)
	}
	table, err := entities.NewTable("t", "insert into t (msg) values ($msg)")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	wf, err := entities.NewWatchedFile(glob, format, table, "")
	if err != nil {
		t.Fatalf("NewWatchedFile: %v", err)
	}
	wd, err := entities.NewWatchedDirectory(dirPath, []*entities.WatchedFile{wf})
	if err != nil {
		t.Fatalf("NewWatchedDirectory: %v", err)
	}
	return wd
}

func popWithin(t *testing.T, q *mqueue.Queue, timeout time.Duration) mqueue.Message {
	t.Helper()
	msg := q.Pop(timeout)
	if msg.Type == mqueue.Timeout {
		t.Fatalf("pop timed out waiting for a message")
	}
	return msg
}

func TestSetupEmitsUpdateForExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := mqueue.New("w2p", 0)
	w := New([]*entities.WatchedDirectory{mustWatchedDir(t, dir, "*.log")}, q, WithSeek0(true))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	<-w.Ready()

	msg := popWithin(t, q, time.Second)
	if msg.Type != mqueue.FileUpdate {
		t.Fatalf("Type = %v, want FileUpdate", msg.Type)
	}
	item := msg.Payload.(*Item)
	if item.Path != path {
		t.Fatalf("Path = %q, want %q", item.Path, path)
	}
}

func TestModifyEmitsUniqueUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	q := mqueue.New("w2p", 0)
	w := New([]*entities.WatchedDirectory{mustWatchedDir(t, dir, "*.log")}, q, WithSeek0(true))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()
	popWithin(t, q, time.Second) // initial FILE-UPDATE from setup

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		f.WriteString("line\n")
	}
	f.Close()

	msg := popWithin(t, q, time.Second)
	if msg.Type != mqueue.FileUpdate {
		t.Fatalf("Type = %v, want FileUpdate", msg.Type)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue Len() = %d, want 0 (repeated MODIFYs should collapse to one pending message)", got)
	}
}

func TestCreateInWatchedDirectoryRegistersFile(t *testing.T) {
	dir := t.TempDir()

	q := mqueue.New("w2p", 0)
	w := New([]*entities.WatchedDirectory{mustWatchedDir(t, dir, "*.log")}, q, WithSeek0(true))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	path := filepath.Join(dir, "b.log")
	if err := os.WriteFile(path, []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := popWithin(t, q, time.Second)
	if msg.Type != mqueue.FileUpdate {
		t.Fatalf("Type = %v, want FileUpdate", msg.Type)
	}
	item := msg.Payload.(*Item)
	if item.Path != path {
		t.Fatalf("Path = %q, want %q", item.Path, path)
	}
}

func TestDeleteEmitsFileClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := mqueue.New("w2p", 0)
	w := New([]*entities.WatchedDirectory{mustWatchedDir(t, dir, "*.log")}, q, WithSeek0(true))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()
	popWithin(t, q, time.Second) // initial FILE-UPDATE

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	msg := popWithin(t, q, time.Second)
	if msg.Type != mqueue.FileClose {
		t.Fatalf("Type = %v, want FileClose", msg.Type)
	}
}

func TestStopEmitsFileCloseForRemainingItems(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := mqueue.New("w2p", 0)
	w := New([]*entities.WatchedDirectory{mustWatchedDir(t, dir, "*.log")}, q, WithSeek0(true))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Ready()
	popWithin(t, q, time.Second) // initial FILE-UPDATE

	w.Stop()

	msg := q.Pop(time.Second)
	if msg.Type != mqueue.FileClose {
		t.Fatalf("Type = %v, want FileClose on Stop", msg.Type)
	}
	msg = q.Pop(time.Second)
	if msg.Type != mqueue.Closed {
		t.Fatalf("Type = %v, want Closed after drain", msg.Type)
	}
}
