//go:build integration

package entstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wilhg/ckpt/pkg/store"
)

func openPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ckpt"),
		tcpostgres.WithUsername("ckpt"),
		tcpostgres.WithPassword("ckpt"),
		tcpostgres.WithSQLDriver("pgx"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestPostgresCheckpointAndEventFlow(t *testing.T) {
	ctx := context.Background()
	st := openPostgres(t)

	if err := st.UpsertCheckpoint(ctx, checkpointRecord("pg-op", "c1", []byte{0xff, 0x00})); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertCheckpoint(ctx, checkpointRecord("pg-op", "c2", []byte{0x01})); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetCheckpoint(ctx, "pg-op")
	if err != nil {
		t.Fatal(err)
	}
	if got.CheckpointID != "c2" || len(got.State) != 1 {
		t.Fatalf("unexpected: %+v", got)
	}
	if n, _ := st.CountCheckpoints(ctx, "pg-op"); n != 1 {
		t.Fatalf("rows=%d want 1", n)
	}

	payload, _ := json.Marshal(map[string]any{"k": "v"})
	if _, err := st.AppendEvent(ctx, store.EventRecord{EventID: "pe1", OperationID: "pg-op", Type: "typ", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendEvent(ctx, store.EventRecord{EventID: "pe2", OperationID: "pg-op", Type: "typ"}); err != nil {
		t.Fatal(err)
	}
	events, err := st.ListEvents(ctx, "pg-op", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("seq order wrong: %+v", events)
	}

	if err := st.CreateOperation(ctx, store.OperationRecord{OperationID: "pg-op", Kind: "training", Status: store.StatusRunning}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateOperation(ctx, store.OperationRecord{OperationID: "pg-op", Kind: "training", Status: store.StatusRunning}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
}
