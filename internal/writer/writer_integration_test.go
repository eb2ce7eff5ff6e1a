//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/writer/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package writer_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/mqueue"
	"github.com/torrentg/log2pg/internal/rowtuple"
	"github.com/torrentg/log2pg/internal/writer"
)

func startPostgres(t *testing.T) (*tcpostgres.PostgresContainer, string) {
	t.Helper()
	ctx := context.Background()

	c, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("log2pg_test"),
		tcpostgres.WithUsername("log2pg"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	connStr, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return c, connStr
}

func applySchema(t *testing.T, connStr string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("connect for schema: %v", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `CREATE TABLE events (msg text not null)`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
}

func countRows(t *testing.T, connStr string) int {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("connect for count: %v", err)
	}
	defer conn.Close(ctx)

	var n int
	if err := conn.QueryRow(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func eventsTable(t *testing.T) *entities.Table {
	t.Helper()
	table, err := entities.NewTable("events", "insert into events (msg) values ($msg)")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func eventsFile(t *testing.T, table *entities.Table) *entities.WatchedFile {
	t.Helper()
	format, err := entities.NewFormat("f", 0, "", "", `(?P<msg>.*)`)
	if err != nil {
		t.Fatalf("NewFormat: %v", err)
	}
	wf, err := entities.NewWatchedFile("*.log", format, table, "")
	if err != nil {
		t.Fatalf("NewWatchedFile: %v", err)
	}
	return wf
}

func pushRow(q *mqueue.Queue, wf *entities.WatchedFile, msg string) {
	row := rowtuple.New(wf, []string{msg})
	q.Push(mqueue.Row, &row, false, 0)
}

func TestWriterBatchesByMaxInserts(t *testing.T) {
	_, connStr := startPostgres(t)
	applySchema(t, connStr)
	table := eventsTable(t)
	wf := eventsFile(t, table)

	in := mqueue.New("p2w", 0)
	w := writer.New(writer.Config{
		ConnectionURL: connStr,
		MaxInserts:    3,
		MaxDuration:   time.Minute,
		IdleTimeout:   time.Minute,
	}, []*entities.Table{table}, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		pushRow(in, wf, "row")
	}

	deadline := time.After(5 * time.Second)
	for {
		if countRows(t, connStr) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("rows were not committed after reaching max-inserts")
		case <-time.After(50 * time.Millisecond):
		}
	}

	in.Close()
	cancel()
	<-done
}

func TestWriterCommitsOnIdleTimeout(t *testing.T) {
	_, connStr := startPostgres(t)
	applySchema(t, connStr)
	table := eventsTable(t)
	wf := eventsFile(t, table)

	in := mqueue.New("p2w", 0)
	w := writer.New(writer.Config{
		ConnectionURL: connStr,
		MaxInserts:    1000,
		MaxDuration:   time.Minute,
		IdleTimeout:   100 * time.Millisecond,
	}, []*entities.Table{table}, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	pushRow(in, wf, "single")

	deadline := time.After(5 * time.Second)
	for {
		if countRows(t, connStr) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("row was not committed after idle-timeout elapsed")
		case <-time.After(50 * time.Millisecond):
		}
	}

	in.Close()
	cancel()
	<-done
}

// TestWriterReconnectsAndReplaysAfterOutage covers scenario 6: a database
// outage mid-batch must not lose already-parsed rows. It restarts the
// container to force the writer's in-flight Exec/Commit to fail, then
// verifies every pushed row still lands once the writer reconnects.
func TestWriterReconnectsAndReplaysAfterOutage(t *testing.T) {
	c, connStr := startPostgres(t)
	applySchema(t, connStr)
	table := eventsTable(t)
	wf := eventsFile(t, table)

	in := mqueue.New("p2w", 0)
	w := writer.New(writer.Config{
		ConnectionURL:          connStr,
		MaxInserts:             1000,
		MaxDuration:            time.Minute,
		IdleTimeout:            200 * time.Millisecond,
		RetryInterval:          500 * time.Millisecond,
		MaxFailedReconnections: 20,
	}, []*entities.Table{table}, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	pushRow(in, wf, "before-outage")
	time.Sleep(300 * time.Millisecond) // let it land in a committed (or in-flight) transaction

	ctx2 := context.Background()
	if err := c.Stop(ctx2, nil); err != nil {
		t.Fatalf("stop container: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	pushRow(in, wf, "during-outage")

	if err := c.Start(ctx2); err != nil {
		t.Fatalf("restart container: %v", err)
	}

	deadline := time.After(30 * time.Second)
	for {
		if countRows(t, connStr) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("rows were not replayed after reconnecting")
		case <-time.After(200 * time.Millisecond):
		}
	}

	in.Close()
	cancel()
	<-done
}
