package notifier

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/model"
)

type subsReader struct {
	subs []model.Subscription
	err  error
}

func (r subsReader) ActiveSubscriptions(context.Context, uuid.UUID, string) ([]model.Subscription, error) {
	return r.subs, r.err
}

func TestMatcherThresholds(t *testing.T) {
	t.Parallel()
	vendor := uuid.New()
	low, tie, high := uuid.New(), uuid.New(), uuid.New()
	r := subsReader{subs: []model.Subscription{
		{UserID: low, VendorID: vendor, EventType: model.EventPriceIncrease, MinSeverity: 1, Active: true},
		{UserID: tie, VendorID: vendor, EventType: model.EventPriceIncrease, MinSeverity: 3, Active: true},
		{UserID: high, VendorID: vendor, EventType: model.EventPriceIncrease, MinSeverity: 4, Active: true},
	}}
	ev := model.PriceEvent{ID: uuid.New(), VendorID: vendor, EventType: model.EventPriceIncrease, Severity: model.Severity(3)}

	got, err := Matcher{}.Match(context.Background(), r, ev)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.UserID)
	}
	assert.ElementsMatch(t, []uuid.UUID{low, tie}, ids)
}

func TestMatcherNilSeverityMatchesAll(t *testing.T) {
	t.Parallel()
	vendor := uuid.New()
	r := subsReader{subs: []model.Subscription{
		{UserID: uuid.New(), VendorID: vendor, EventType: model.EventPriceUpdate, MinSeverity: 5, Active: true},
		{UserID: uuid.New(), VendorID: vendor, EventType: model.EventPriceUpdate, MinSeverity: 1, Active: true},
	}}
	got, err := Matcher{}.Match(context.Background(), r, model.PriceEvent{VendorID: vendor, EventType: model.EventPriceUpdate})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMatcherFiltersAndCollapses(t *testing.T) {
	t.Parallel()
	vendor := uuid.New()
	user := uuid.New()
	r := subsReader{subs: []model.Subscription{
		{UserID: user, VendorID: vendor, EventType: model.EventPriceDecrease, MinSeverity: 2, Active: true},
		{UserID: user, VendorID: vendor, EventType: model.EventPriceDecrease, MinSeverity: 1, Active: true},
		{UserID: uuid.New(), VendorID: vendor, EventType: model.EventPriceDecrease, MinSeverity: 1, Active: false},
		{UserID: uuid.New(), VendorID: uuid.New(), EventType: model.EventPriceDecrease, MinSeverity: 1, Active: true},
		{UserID: uuid.New(), VendorID: vendor, EventType: model.EventPriceIncrease, MinSeverity: 1, Active: true},
	}}
	got, err := Matcher{}.Match(context.Background(), r, model.PriceEvent{VendorID: vendor, EventType: model.EventPriceDecrease, Severity: model.Severity(2)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, user, got[0].UserID)
	assert.Equal(t, 1, got[0].MinSeverity)
}

func TestMatcherSortsByUser(t *testing.T) {
	t.Parallel()
	vendor := uuid.New()
	var subs []model.Subscription
	for i := 0; i < 8; i++ {
		subs = append(subs, model.Subscription{UserID: uuid.New(), VendorID: vendor, EventType: model.EventPriceUpdate, MinSeverity: 1, Active: true})
	}
	got, err := Matcher{}.Match(context.Background(), subsReader{subs: subs}, model.PriceEvent{VendorID: vendor, EventType: model.EventPriceUpdate})
	require.NoError(t, err)
	require.Len(t, got, 8)
	for i := 1; i < len(got); i++ {
		assert.Negative(t, bytes.Compare(got[i-1].UserID[:], got[i].UserID[:]))
	}
}

func TestMatcherError(t *testing.T) {
	t.Parallel()
	_, err := Matcher{}.Match(context.Background(), subsReader{err: errors.New("boom")}, model.PriceEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load subscriptions")
}

type historyReader struct {
	seen  bool
	calls int
	since time.Time
}

func (h *historyReader) NotifiedSince(_ context.Context, _ uuid.UUID, _ string, since time.Time) (bool, error) {
	h.calls++
	h.since = since
	return h.seen, nil
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := &historyReader{seen: true}

	seen, err := Dedup{Window: DefaultDedupWindow}.SeenRecently(context.Background(), h, uuid.New(), model.EventPriceUpdate, now)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, now.Add(-5*time.Minute), h.since)

	h = &historyReader{seen: true}
	seen, err = Dedup{}.SeenRecently(context.Background(), h, uuid.New(), model.EventPriceUpdate, now)
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Zero(t, h.calls)
}

type vendorReader struct {
	name string
	ok   bool
	err  error
}

func (v vendorReader) VendorName(context.Context, uuid.UUID) (string, bool, error) {
	return v.name, v.ok, v.err
}

func TestBuilder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := Builder{}

	cases := []struct {
		name      string
		vendor    vendorReader
		sev       *int
		wantTitle string
		wantBody  string
	}{
		{"regular", vendorReader{name: "Acme", ok: true}, model.Severity(3), TitleRegular, "Acme updated their pricing."},
		{"urgent", vendorReader{name: "Acme", ok: true}, model.Severity(4), TitleMajor, "Acme updated their pricing."},
		{"null severity", vendorReader{name: "Acme", ok: true}, nil, TitleRegular, "Acme updated their pricing."},
		{"missing vendor", vendorReader{}, model.Severity(5), TitleMajor, "A vendor updated their pricing."},
		{"blank vendor", vendorReader{name: "  ", ok: true}, nil, TitleRegular, "A vendor updated their pricing."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			title, body, err := b.Build(ctx, tc.vendor, model.PriceEvent{Severity: tc.sev})
			require.NoError(t, err)
			assert.Equal(t, tc.wantTitle, title)
			assert.Equal(t, tc.wantBody, body)
		})
	}

	_, _, err := b.Build(ctx, vendorReader{err: errors.New("db gone")}, model.PriceEvent{})
	assert.Error(t, err)

	title, _, err := Builder{UrgentSeverity: 2}.Build(ctx, vendorReader{name: "X", ok: true}, model.PriceEvent{Severity: model.Severity(2)})
	require.NoError(t, err)
	assert.Equal(t, TitleMajor, title)
}
