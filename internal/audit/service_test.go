package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	rows       []TimelineRow
	lastLimit  int
	lastOffset int
	lastFilter TimelineFilters
}

func (s *stubTimelineRepo) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	s.lastLimit, s.lastOffset, s.lastFilter = limit, offset, filters
	if offset >= len(s.rows) {
		return nil, nil
	}
	return s.rows[offset:min(offset+limit, len(s.rows))], nil
}

func (s *stubTimelineRepo) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	s.lastFilter = filters
	return s.rows, nil
}

func rows(n int) []TimelineRow {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	out := make([]TimelineRow, n)
	for i := range out {
		out[i] = TimelineRow{At: base.Add(-time.Duration(i) * time.Hour), ActorID: 3, Action: "ledger.deposit", Entity: "account", EntityID: "1"}
	}
	return out
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: rows(3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Equal(t, 3, repo.lastLimit)
	require.Equal(t, 0, repo.lastOffset)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 1, result.Paging.PrevPage)
}

func TestServiceTimelineCapsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, maxPageSize, result.Paging.PageSize)
	require.Equal(t, maxPageSize+1, repo.lastLimit)
	require.Equal(t, 1, result.Paging.Page)
}

func TestServiceExportReturnsAllRows(t *testing.T) {
	repo := &stubTimelineRepo{rows: rows(4)}
	got, err := NewService(repo).Export(context.Background(), TimelineFilters{Entity: "account"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "account", repo.lastFilter.Entity)
}

func TestServiceRequiresRepository(t *testing.T) {
	_, err := NewService(nil).Timeline(context.Background(), TimelineFilters{})
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	data, err := WriteCSV([]TimelineRow{{
		At: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), ActorID: 2, Action: "account.open",
		Entity: "account", EntityID: "7", Meta: map[string]any{"kind": "savings"},
	}})
	require.NoError(t, err)
	require.Equal(t, "at,actor_id,actor,action,entity,entity_id,meta\n"+
		`2026-03-01T08:00:00Z,2,,account.open,account,7,"{""kind"":""savings""}"`+"\n", string(data))
}
