package aggregate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
)

// counter folds events into a running list of event types.
type counter struct {
	ID      string   `json:"id"`
	Seen    []string `json:"seen"`
	Version int      `json:"version"`
}

func (c *counter) GetID() string    { return c.ID }
func (c *counter) GetVersion() int  { return c.Version }
func (c *counter) SetVersion(v int) { c.Version = v }
func (c *counter) ApplyEvent(e store.Event) error {
	c.ID = e.AggregateID
	c.Seen = append(c.Seen, e.EventType)
	return nil
}

func newCounter() *counter { return &counter{} }

func appendN(t *testing.T, es store.EventStore, id string, n int) {
	t.Helper()
	events := make([]store.NewEvent, n)
	for i := range events {
		events[i] = store.NewEvent{EventType: string(rune('A' + i)), Payload: json.RawMessage(`{}`)}
	}
	_, err := es.Append(context.Background(), "Counter", id, 0, events)
	require.NoError(t, err)
}

func TestLoadAggregate_ReplaysHistory(t *testing.T) {
	es := store.NewMemoryEventStore()
	appendN(t, es, "c1", 3)

	c, found, err := LoadAggregate(context.Background(), es, "Counter", "c1", newCounter)

	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"A", "B", "C"}, c.Seen)
	assert.Equal(t, 3, c.Version)
}

func TestLoadAggregate_NotFound(t *testing.T) {
	es := store.NewMemoryEventStore()

	_, found, err := LoadAggregate(context.Background(), es, "Counter", "missing", newCounter)

	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadAggregate_FromSnapshot(t *testing.T) {
	es := store.NewMemoryEventStore()
	ctx := context.Background()
	appendN(t, es, "c1", 4)
	require.NoError(t, es.SaveSnapshot(ctx, store.Snapshot{
		AggregateType: "Counter", AggregateID: "c1", Version: 2,
		State: json.RawMessage(`{"id":"c1","seen":["snap"],"version":2}`),
	}))

	c, found, err := LoadAggregate(ctx, es, "Counter", "c1", newCounter)

	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"snap", "C", "D"}, c.Seen)
	assert.Equal(t, 4, c.Version)
}

func TestLoadAggregate_CorruptSnapshotFallsBackToFullReplay(t *testing.T) {
	es := store.NewMemoryEventStore()
	ctx := context.Background()
	appendN(t, es, "c1", 3)
	require.NoError(t, es.SaveSnapshot(ctx, store.Snapshot{
		AggregateType: "Counter", AggregateID: "c1", Version: 2, State: json.RawMessage(`"not an object"`),
	}))

	c, _, err := LoadAggregate(ctx, es, "Counter", "c1", newCounter)

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, c.Seen)
}

// gappyStore serves a history with a missing sequence.
type gappyStore struct {
	store.EventStore
}

func (gappyStore) Load(context.Context, string, string) (store.History, error) {
	return store.History{Events: func(yield func(store.Event, error) bool) {
		for _, seq := range []int{1, 3} {
			if !yield(store.Event{AggregateID: "c1", Sequence: seq, EventType: "X"}, nil) {
				return
			}
		}
	}}, nil
}

func TestLoadAggregate_DetectsGap(t *testing.T) {
	_, _, err := LoadAggregate(context.Background(), gappyStore{}, "Counter", "c1", newCounter)

	assert.ErrorIs(t, err, apperror.ErrPermanent)
}

func TestMaybeCreateSnapshot_Cadence(t *testing.T) {
	es := store.NewMemoryEventStore()
	ctx := context.Background()

	for _, v := range []int{0, 1, 4, 6} {
		require.NoError(t, MaybeCreateSnapshot(ctx, es, &counter{ID: "c1", Version: v}, "Counter", 5))
	}
	h, err := es.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Nil(t, h.Snapshot)

	require.NoError(t, MaybeCreateSnapshot(ctx, es, &counter{ID: "c1", Version: 10}, "Counter", 5))
	h, err = es.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	require.NotNil(t, h.Snapshot)
	assert.Equal(t, 10, h.Snapshot.Version)

	require.NoError(t, MaybeCreateSnapshot(ctx, es, &counter{ID: "c1", Version: 15}, "Counter", 0))
	h, err = es.Load(ctx, "Counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, h.Snapshot.Version, "cadence 0 disables snapshots")
}
