package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"file", Config{Driver: "file", Path: filepath.Join(dir, "file", "state.db")}},
		{"sqlite", Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "state.db"), BusyTimeout: time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(ctx, tc.cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			for i, kind := range []string{"masterjob.transition", "task.failed", "masterjob.transition"} {
				require.NoError(t, st.AppendEvent(ctx, Event{
					At:         time.Now().Add(time.Duration(i) * time.Millisecond),
					Originator: "node-1",
					Kind:       kind,
					Key:        "billing",
					Data:       json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
				}))
			}
			evs, err := st.RecentEvents(ctx, 2)
			require.NoError(t, err)
			require.Len(t, evs, 2)
			assert.Equal(t, "masterjob.transition", evs[0].Kind)
			assert.JSONEq(t, `{"n":2}`, string(evs[0].Data))
			assert.Equal(t, "task.failed", evs[1].Kind)
			assert.NotEmpty(t, evs[0].ID)

			until := time.Now().Add(time.Minute)
			require.NoError(t, st.PutDedup(ctx, "msg-1", until))
			require.NoError(t, st.PutDedup(ctx, "msg-old", time.Now().Add(-time.Minute)))

			got, ok, err := st.GetDedup(ctx, "msg-1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.WithinDuration(t, until, got, time.Millisecond)

			_, ok, err = st.GetDedup(ctx, "msg-old")
			require.NoError(t, err)
			assert.False(t, ok, "expired entries are not reported")

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreReloadsDedup(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}
	st, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutDedup(ctx, "k", time.Now().Add(time.Hour)))
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendEvent(ctx, Event{Kind: "x"}), ErrClosed)

	st, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreCompactsExpiredDedup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	for i := range compactMin {
		require.NoError(t, st.PutDedup(ctx, fmt.Sprintf("old-%d", i), time.Now().Add(-time.Second)))
	}
	require.NoError(t, st.AppendEvent(ctx, Event{Kind: "masterjob.transition"}))

	b, err := os.ReadFile(filepath.Join(dir, "state.dedup.jsonl"))
	require.NoError(t, err)
	assert.Less(t, bytes.Count(b, []byte("\n")), compactMin, "journal was rewritten")

	_, ok, err := st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)

	// events survive a reopen
	require.NoError(t, st.Close())
	st, err = Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	evs, err := st.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "masterjob.transition", evs[0].Kind)
}
