package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService(nil)

	if err := s.AddJob("sweep", "0 */10 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("audit", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob descriptor error: %v", err)
	}

	jobs := s.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "audit" || jobs[1].Name != "sweep" {
		t.Errorf("jobs = %+v, want sorted by name", jobs)
	}
	if jobs[1].Schedule != "0 */10 * * * *" {
		t.Errorf("schedule = %q", jobs[1].Schedule)
	}
}

func TestService_AddJobValidation(t *testing.T) {
	s := NewService(nil)
	noop := func(context.Context) error { return nil }

	if err := s.AddJob("", "@every 1m", noop); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.AddJob("bad", "not a schedule", noop); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := s.AddJob("five", "*/5 * * * *", noop); err == nil {
		t.Error("expected error for five-field spec")
	}
	if err := s.AddJob("nil", "@every 1m", nil); err == nil {
		t.Error("expected error for nil func")
	}

	if err := s.AddJob("dup", "@every 1m", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("dup", "@every 1m", noop); !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate err = %v, want ErrJobExists", err)
	}
}

func TestService_RemoveJob(t *testing.T) {
	s := NewService(nil)
	_ = s.AddJob("a", "@every 1m", func(context.Context) error { return nil })

	if !s.RemoveJob("a") {
		t.Fatal("RemoveJob returned false")
	}
	if s.RemoveJob("a") {
		t.Error("second RemoveJob should return false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job still listed")
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := NewService(nil)
	fail := true
	_ = s.AddJob("flaky", "@every 1h", func(context.Context) error {
		if fail {
			return errors.New("db locked")
		}
		return nil
	})

	if err := s.RunNow("flaky"); err == nil {
		t.Fatal("expected job error")
	}
	st := s.ListJobs()[0].State
	if st.LastStatus != StatusError || st.LastError != "db locked" || st.Runs != 1 {
		t.Errorf("state = %+v", st)
	}

	fail = false
	if err := s.RunNow("flaky"); err != nil {
		t.Fatal(err)
	}
	st = s.ListJobs()[0].State
	if st.LastStatus != StatusOK || st.LastError != "" || st.Runs != 2 {
		t.Errorf("state = %+v", st)
	}
	if st.LastRunAt.IsZero() {
		t.Error("LastRunAt not set")
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestService_RunNowRecoversPanic(t *testing.T) {
	s := NewService(nil)
	_ = s.AddJob("panics", "@every 1h", func(context.Context) error { panic("boom") })

	err := s.RunNow("panics")
	if err == nil || err.Error() != "panic: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestService_StartFiresJobs(t *testing.T) {
	s := NewService(nil)
	var runs atomic.Int32
	if err := s.AddJob("fast", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job did not fire within 3s")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestService_StopWithoutStart(t *testing.T) {
	s := NewService(nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestService_JobContextCancelledOnStop(t *testing.T) {
	s := NewService(nil)
	gotCtx := make(chan context.Context, 1)
	_ = s.AddJob("ctx", "* * * * * *", func(ctx context.Context) error {
		select {
		case gotCtx <- ctx:
		default:
		}
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var jobCtx context.Context
	select {
	case jobCtx = <-gotCtx:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	_ = s.Stop(context.Background())

	select {
	case <-jobCtx.Done():
	case <-time.After(time.Second):
		t.Error("job context not cancelled after Stop")
	}
}
