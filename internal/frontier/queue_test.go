package frontier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecrawler/internal/query"
	"homecrawler/pkg/types"
)

func queues(t *testing.T) map[string]func() Queue {
	t.Helper()
	return map[string]func() Queue{
		"memory": func() Queue { return NewMemoryQueue() },
		"sqlite": func() Queue {
			q, err := OpenSQLiteQueue(context.Background(), filepath.Join(t.TempDir(), "frontier.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = q.Close() })
			return q
		},
	}
}

func detail(id string) Item {
	return Item{URL: query.DetailURL(id), Label: LabelDetail, ID: id, UniqueKey: id}
}

func TestAddIsIdempotent(t *testing.T) {
	for name, open := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open()

			first, err := q.Add(ctx, detail("1"), AddOptions{})
			require.NoError(t, err)
			assert.False(t, first.WasAlreadyPresent)
			assert.Equal(t, "1", first.UniqueKey)

			second, err := q.Add(ctx, detail("1"), AddOptions{Forefront: true})
			require.NoError(t, err)
			assert.True(t, second.WasAlreadyPresent)

			item, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			require.NoError(t, q.Complete(ctx, item))

			again, err := q.Add(ctx, detail("1"), AddOptions{})
			require.NoError(t, err)
			assert.True(t, again.WasAlreadyPresent, "handled keys stay known")

			empty, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, empty)
		})
	}
}

func TestForefrontOrdering(t *testing.T) {
	for name, open := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open()

			for _, id := range []string{"1", "2"} {
				_, err := q.Add(ctx, detail(id), AddOptions{})
				require.NoError(t, err)
			}
			_, err := q.Add(ctx, detail("3"), AddOptions{Forefront: true})
			require.NoError(t, err)
			_, err = q.Add(ctx, detail("4"), AddOptions{Forefront: true})
			require.NoError(t, err)

			var order []string
			for {
				item, err := q.Claim(ctx)
				require.NoError(t, err)
				if item == nil {
					break
				}
				order = append(order, item.ID)
				require.NoError(t, q.Complete(ctx, item))
			}
			assert.Equal(t, []string{"4", "3", "1", "2"}, order)
		})
	}
}

func TestReclaimAndAbandon(t *testing.T) {
	for name, open := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open()

			_, err := q.Add(ctx, detail("9"), AddOptions{})
			require.NoError(t, err)

			item, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NoError(t, q.Reclaim(ctx, item, errors.New("blocked")))
			assert.Equal(t, 1, item.Retries)

			item, err = q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, 1, item.Retries)
			assert.Equal(t, "blocked", item.LastError)

			require.NoError(t, q.Abandon(ctx, item, errors.New("gave up")))
			assert.Error(t, q.Complete(ctx, item), "abandoned items are no longer in flight")

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Abandoned: 1}, stats)
		})
	}
}

func TestItemPayloadSurvivesQueue(t *testing.T) {
	for name, open := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := open()

			zoom := 12
			state := query.SearchQuery{
				MapBounds:   query.Bounds{West: -1, East: 1, South: -1, North: 1},
				MapZoom:     &zoom,
				FilterState: query.Filter{"isForRent": query.Value(true)},
			}
			in := Item{
				URL:        query.Origin + "homes/",
				Label:      LabelQuery,
				UniqueKey:  query.HashKey(state),
				SplitCount: 2,
				PageNumber: 3,
				QueryState: &state,
				Results:    []types.SearchResult{{ID: "5", DetailURL: "/homedetails/5_zpid/"}},
			}
			_, err := q.Add(ctx, in, AddOptions{})
			require.NoError(t, err)

			out, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, LabelQuery, out.Label)
			assert.Equal(t, 2, out.SplitCount)
			assert.Equal(t, 3, out.PageNumber)
			require.NotNil(t, out.QueryState)
			assert.Equal(t, 12, out.QueryState.Zoom())
			assert.Equal(t, state.MapBounds, out.QueryState.MapBounds)
			assert.Equal(t, in.Results, out.Results)
		})
	}
}

func TestRejectsInvalidItems(t *testing.T) {
	q := NewMemoryQueue()
	_, err := q.Add(context.Background(), Item{URL: "x"}, AddOptions{})
	assert.Error(t, err)
	_, err = q.Add(context.Background(), Item{Label: LabelSearch}, AddOptions{})
	assert.Error(t, err)
}

func TestSQLiteQueueResumesInFlight(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frontier.db")

	q, err := OpenSQLiteQueue(ctx, path)
	require.NoError(t, err)
	for _, id := range []string{"1", "2"} {
		_, err := q.Add(ctx, detail(id), AddOptions{})
		require.NoError(t, err)
	}
	item, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", item.ID)
	require.NoError(t, q.Close())

	reopened, err := OpenSQLiteQueue(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2}, stats)

	res, err := reopened.Add(ctx, detail("2"), AddOptions{})
	require.NoError(t, err)
	assert.True(t, res.WasAlreadyPresent)

	_, err = reopened.Add(ctx, detail("3"), AddOptions{Forefront: true})
	require.NoError(t, err)
	next, err := reopened.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", next.ID, "forefront ordering continues after reopen")
}

func TestLabelText(t *testing.T) {
	text, err := LabelEnrichedZpids.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ENRICHED_ZPIDS", string(text))

	var l Label
	require.NoError(t, l.UnmarshalText([]byte("detail")))
	assert.Equal(t, LabelDetail, l)
	assert.Error(t, l.UnmarshalText([]byte("nope")))
}
