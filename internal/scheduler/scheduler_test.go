package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type listRegistry struct {
	items []monitor.TrackedItem
	err   error
}

func (r listRegistry) ListItems(context.Context) ([]monitor.TrackedItem, error) {
	return r.items, r.err
}

func (r listRegistry) GetItem(context.Context, string) (monitor.TrackedItem, error) {
	return monitor.TrackedItem{}, monitor.ErrNotFound
}

type taskLister struct {
	tasks map[string][]monitor.ScrapeTask
	err   error
}

func (l taskLister) ListTasks(_ context.Context, itemID string) ([]monitor.ScrapeTask, error) {
	return l.tasks[itemID], l.err
}

type recordingSubmitter struct {
	mu     sync.Mutex
	items  []string
	failOn string
}

func (s *recordingSubmitter) Submit(_ context.Context, itemID string) (monitor.ScrapeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if itemID == s.failOn {
		return monitor.ScrapeTask{}, errors.New("store down")
	}
	s.items = append(s.items, itemID)
	return monitor.ScrapeTask{ID: "t-" + itemID, ItemID: itemID}, nil
}

func (s *recordingSubmitter) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

func TestParseTimes(t *testing.T) {
	t.Parallel()

	times, err := ParseTimes([]string{"20:00", "08:00", "08:00", "07:30"})
	require.NoError(t, err)
	require.Equal(t, []FireTime{{7, 30}, {8, 0}, {20, 0}}, times)
	require.Equal(t, "07:30", times[0].String())

	_, err = ParseTimes(nil)
	require.Error(t, err)
	_, err = ParseTimes([]string{"25:00"})
	require.Error(t, err)
	_, err = ParseTimes([]string{"8am"})
	require.Error(t, err)
}

func TestNext(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	s, err := New(Config{Times: []string{"08:00", "20:00"}, Location: ny}, listRegistry{}, taskLister{}, &recordingSubmitter{}, fixedClock{}, nil)
	require.NoError(t, err)

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before first", time.Date(2025, 6, 1, 6, 0, 0, 0, ny), time.Date(2025, 6, 1, 8, 0, 0, 0, ny)},
		{"exactly at fire time", time.Date(2025, 6, 1, 8, 0, 0, 0, ny), time.Date(2025, 6, 1, 20, 0, 0, 0, ny)},
		{"after last", time.Date(2025, 6, 1, 21, 0, 0, 0, ny), time.Date(2025, 6, 2, 8, 0, 0, 0, ny)},
		{"utc input", time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 20, 0, 0, 0, ny)},
		{"dst change", time.Date(2025, 3, 8, 21, 0, 0, 0, ny), time.Date(2025, 3, 9, 8, 0, 0, 0, ny)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.True(t, tc.want.Equal(s.Next(tc.now)), "got %s", s.Next(tc.now))
		})
	}
}

func TestFireSubmitsEveryItem(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{failOn: "b"}
	reg := listRegistry{items: []monitor.TrackedItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	s, err := New(Config{Times: []string{"08:00"}}, reg, taskLister{}, sub, fixedClock{}, nil)
	require.NoError(t, err)

	n, err := s.Fire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "c"}, sub.Items())

	s.registry = listRegistry{err: errors.New("unreadable")}
	_, err = s.Fire(context.Background())
	require.ErrorContains(t, err, "unreadable")
}

func TestFireSkipsItemsWithOpenTask(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	reg := listRegistry{items: []monitor.TrackedItem{{ID: "retrying"}, {ID: "running"}, {ID: "settled"}, {ID: "fresh"}}}
	tasks := taskLister{tasks: map[string][]monitor.ScrapeTask{
		"retrying": {{ID: "t1", ItemID: "retrying", State: monitor.TaskPending, RetryCount: 1}},
		"running":  {{ID: "t2", ItemID: "running", State: monitor.TaskRunning}},
		"settled": {
			{ID: "t3", ItemID: "settled", State: monitor.TaskFailed, RetryCount: 3},
			{ID: "t4", ItemID: "settled", State: monitor.TaskSuccess},
		},
	}}
	s, err := New(Config{Times: []string{"08:00"}}, reg, tasks, sub, fixedClock{}, nil)
	require.NoError(t, err)

	n, err := s.Fire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"settled", "fresh"}, sub.Items())

	s.tasks = taskLister{err: errors.New("store down")}
	n, err = s.Fire(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Times: []string{"08:00"}}, listRegistry{}, nil, &recordingSubmitter{}, fixedClock{}, nil)
	require.Error(t, err)
}

func TestRunFiresUntilCanceled(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	reg := listRegistry{items: []monitor.TrackedItem{{ID: "a"}}}
	now := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	s, err := New(Config{Times: []string{"08:00"}}, reg, taskLister{}, sub, fixedClock{now: now}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return nil
		}
		ch := make(chan time.Time, 1)
		ch <- now
		return ch
	}

	s.Run(ctx)
	require.Equal(t, []string{"a", "a"}, sub.Items())
	require.Equal(t, time.Hour, waits[0])
}
