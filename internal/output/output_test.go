package output

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecrawler/internal/planner"
	"homecrawler/pkg/types"
)

func payload() types.Record {
	return types.Record{
		"zpid":               float64(123),
		"homeStatus":         "FOR_SALE",
		"keystoneHomeStatus": "ForSaleByAgent",
		"price":              float64(450000),
		"bedrooms":           float64(3),
		"datePosted":         "2024-03-10",
		"hdpUrl":             "/homedetails/123_zpid/",
		"hugePhotos":         []any{map[string]any{"url": "https://p/1.jpg"}, map[string]any{"url": "https://p/2.jpg"}},
		"description":        "",
		"internalOnly":       "x",
	}
}

func TestShapeFull(t *testing.T) {
	m := NewMapper(Options{Type: planner.TypeAll})
	rec, reason := m.Map(context.Background(), payload())
	require.Equal(t, Accepted, reason)

	assert.Equal(t, "https://www.zillow.com/homedetails/123_zpid/", rec["url"])
	assert.Equal(t, []any{"https://p/1.jpg", "https://p/2.jpg"}, rec["photos"])
	assert.Equal(t, float64(123), rec["zpid"])
	assert.NotContains(t, rec, "hdpUrl")
	assert.NotContains(t, rec, "hugePhotos")
	assert.NotContains(t, rec, "internalOnly")
	assert.NotContains(t, rec, "description", "empty values are dropped")
}

func TestShapeSimple(t *testing.T) {
	m := NewMapper(Options{Simple: true, Type: planner.TypeAll})
	rec := m.Shape(payload())
	assert.NotContains(t, rec, "zpid")
	assert.NotContains(t, rec, "datePosted")
	assert.Equal(t, float64(450000), rec["price"])
	assert.Contains(t, rec, "url")
}

func TestStatusFilter(t *testing.T) {
	cases := []struct {
		typ      planner.ResultType
		status   string
		keystone string
		want     Reason
	}{
		{planner.TypeSale, "FOR_SALE", "", Accepted},
		{planner.TypeSale, "FOR_RENT", "", WrongStatus},
		{planner.TypeFSBO, "FOR_SALE", "ForSaleByOwner", Accepted},
		{planner.TypeFSBO, "FOR_SALE", "ForSaleByAgent", WrongStatus},
		{planner.TypeRent, "FOR_RENT", "", Accepted},
		{planner.TypeSold, "RECENTLY_SOLD", "", Accepted},
		{planner.TypeSold, "FOR_SALE", "", WrongStatus},
		{planner.TypeAll, "OTHER", "", Accepted},
	}
	for _, tc := range cases {
		raw := payload()
		raw["homeStatus"] = tc.status
		raw["keystoneHomeStatus"] = tc.keystone
		m := NewMapper(Options{Type: tc.typ})
		assert.Equal(t, tc.want, m.Accept(raw), "%s/%s/%s", tc.typ, tc.status, tc.keystone)
	}
}

func TestStartURLsIgnoreType(t *testing.T) {
	raw := payload()
	raw["homeStatus"] = "FOR_RENT"
	m := NewMapper(Options{Type: planner.TypeSale, IgnoreType: true})
	assert.Equal(t, Accepted, m.Accept(raw))
}

func TestMissingID(t *testing.T) {
	raw := payload()
	delete(raw, "zpid")
	m := NewMapper(Options{})
	assert.Equal(t, MissingID, m.Accept(raw))
	assert.Equal(t, MissingID, m.Accept(nil))
}

func TestDateWindow(t *testing.T) {
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	w, err := ParseDateWindow("2024-03-01", "2024-03-10", now)
	require.NoError(t, err)

	assert.True(t, w.Contains("2024-03-10"), "max date is inclusive for the whole day")
	assert.True(t, w.Contains("2024-03-01"))
	assert.False(t, w.Contains("2024-02-28"))
	assert.False(t, w.Contains("2024-03-11"))
	assert.True(t, w.Contains(nil), "missing dates pass")
	assert.True(t, w.Contains(float64(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC).UnixMilli())))

	rel, err := ParseDateWindow("7 days", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), rel.Min)
	assert.True(t, rel.Contains("2024-03-15"))
	assert.False(t, rel.Contains("2024-03-01"))

	_, err = ParseDateWindow("yesterday-ish", "", now)
	assert.Error(t, err)
	_, err = ParseDateWindow("2024-03-10", "2024-03-01", now)
	assert.Error(t, err)
}

func TestDateWindowRejectsInMapper(t *testing.T) {
	w, err := ParseDateWindow("2024-04-01", "", time.Now())
	require.NoError(t, err)
	m := NewMapper(Options{Window: w})
	assert.Equal(t, OutsideWindow, m.Accept(payload()))
}

func TestTransformHook(t *testing.T) {
	enrich := NewMapper(Options{Transform: func(ctx context.Context, raw, rec types.Record) (types.Record, error) {
		rec["status"] = raw["homeStatus"]
		return rec, nil
	}})
	rec, reason := enrich.Map(context.Background(), payload())
	require.Equal(t, Accepted, reason)
	assert.Equal(t, "FOR_SALE", rec["status"])

	drop := NewMapper(Options{Transform: func(context.Context, types.Record, types.Record) (types.Record, error) {
		return nil, nil
	}})
	rec, reason = drop.Map(context.Background(), payload())
	assert.Nil(t, rec)
	assert.Equal(t, Dropped, reason)

	failing := NewMapper(Options{Transform: func(ctx context.Context, raw, rec types.Record) (types.Record, error) {
		rec["partial"] = true
		return nil, errors.New("boom")
	}})
	rec, reason = failing.Map(context.Background(), payload())
	require.Equal(t, Accepted, reason)
	assert.NotContains(t, rec, "partial", "a failed transform keeps the base record")
	assert.Contains(t, rec, "url")

	panicking := NewMapper(Options{Transform: func(ctx context.Context, raw, rec types.Record) (types.Record, error) {
		rec["partial"] = true
		var missing map[string]any
		missing["boom"] = 1
		return rec, nil
	}})
	require.NotPanics(t, func() { rec, reason = panicking.Map(context.Background(), payload()) })
	require.Equal(t, Accepted, reason)
	assert.NotContains(t, rec, "partial", "a panicking transform keeps the base record")
	assert.Contains(t, rec, "url")
}
