package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

func ms(n int64) time.Time {
	return time.UnixMilli(n)
}

func TestPruneKeepsLaterDeadlines(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("a", ms(100))
	s.Add("c", ms(300))
	s.Add("b", ms(200))

	if n := s.Prune(ms(250)); n != 2 {
		t.Fatalf("Prune removed %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("expected record c to survive")
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := s.Get(id); ok {
			t.Fatalf("record %s should be pruned", id)
		}
	}
	if st := s.Stats(); st.Total != 1 || st.Pruned != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestListStaysSortedByDeadline(t *testing.T) {
	t.Parallel()

	s := New()
	for i, d := range []int64{500, 100, 400, 200, 300, 100} {
		s.Add(string(rune('a'+i)), ms(d))
	}
	for i := 1; i < len(s.list); i++ {
		if s.list[i-1].deadline.After(s.list[i].deadline) {
			t.Fatalf("list out of order at %d", i)
		}
	}
	if len(s.list) != len(s.byID) {
		t.Fatalf("list/map out of sync: %d vs %d", len(s.list), len(s.byID))
	}
}

func TestAddReplacesExistingID(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("x", ms(100))
	s.Add("x", ms(900))

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	rec, _ := s.Get("x")
	if !rec.Deadline.Equal(ms(900)) {
		t.Fatalf("deadline = %v, want 900ms", rec.Deadline)
	}
	if s.Prune(ms(500)) != 0 {
		t.Fatalf("replaced record pruned early")
	}
}

func TestReserveOnlyOnce(t *testing.T) {
	t.Parallel()

	s := New()
	if !s.Reserve("x", ms(100)) {
		t.Fatal("first Reserve should succeed")
	}
	if s.Reserve("x", ms(900)) {
		t.Fatal("second Reserve should report an existing record")
	}
	rec, _ := s.Get("x")
	if !rec.Deadline.Equal(ms(100)) {
		t.Fatalf("Reserve must not replace the deadline, got %v", rec.Deadline)
	}
}

func TestAppendAndLatest(t *testing.T) {
	t.Parallel()

	s := New()
	if s.Append("missing", Result{Res: 1}) {
		t.Fatalf("Append to unknown id should report false")
	}
	s.Add("x", time.Now().Add(time.Minute))
	s.Append("x", Result{Res: 1})
	s.Append("x", Result{Res: 2})

	rec, ok := s.Get("x")
	if !ok {
		t.Fatal("record missing")
	}
	latest, ok := rec.Latest()
	if !ok || latest.Res != 2 {
		t.Fatalf("Latest = %+v, want Res=2", latest)
	}
	if latest.When.IsZero() {
		t.Fatalf("When not stamped")
	}
}

func TestAwaitBlocksUntilFirstResult(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("x", time.Now().Add(time.Minute))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Append("x", Result{Res: "done"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := s.Await(ctx, "x")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if r.Res != "done" {
		t.Fatalf("Await = %+v", r)
	}

	if _, err := s.Await(ctx, "nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("x", time.Now().Add(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Await(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSettleOnlyFirstResult(t *testing.T) {
	t.Parallel()

	s := New()
	s.Add("x", time.Now().Add(time.Minute))
	s.Add("y", time.Now().Add(time.Minute))
	if s.Open() != 2 {
		t.Fatalf("Open = %d, want 2", s.Open())
	}

	if !s.Settle("x", Result{Res: 1}) {
		t.Fatal("first Settle should succeed")
	}
	if s.Settle("x", Result{Res: 2}) {
		t.Fatal("second Settle should be refused")
	}
	if s.Settle("missing", Result{Res: 1}) {
		t.Fatal("Settle on unknown id should be refused")
	}

	rec, _ := s.Get("x")
	if len(rec.Results) != 1 || rec.Results[0].Res != 1 {
		t.Fatalf("results = %+v", rec.Results)
	}
	if s.Open() != 1 {
		t.Fatalf("Open = %d, want 1", s.Open())
	}
}
