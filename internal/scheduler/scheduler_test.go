package scheduler

import (
	"context"
	"testing"
	"time"
)

type countingPurger struct{ calls int }

func (p *countingPurger) PurgeExpiredKeys(now time.Time) (int, error) {
	p.calls++
	return 3, nil
}

type countingFlusher struct{ calls int }

func (f *countingFlusher) FlushDirty(ctx context.Context) int {
	f.calls++
	return 0
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Errorf("expected an error for an invalid expression")
	}
}

func TestRegisterMaintenanceJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.RegisterPurge(DefaultPurgeSchedule, &countingPurger{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.RegisterReconcile(DefaultReconcileSchedule, &countingFlusher{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
