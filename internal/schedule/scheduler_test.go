package schedule

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/store"
)

type fakeCreator struct {
	created []int64
	err     error
}

func (f *fakeCreator) CreateRun(ctx context.Context, clusterID int64, itemIDs []int64, operator string) (*store.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, clusterID)
	return &store.Run{ID: int64(len(f.created)), ClusterID: clusterID}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeCreator) {
	t.Helper()
	st, err := store.Open("", t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	creator := &fakeCreator{}
	return New(st, creator, zap.NewNop()), st, creator
}

func TestValidateExpr(t *testing.T) {
	if err := ValidateExpr("*/5 * * * *"); err != nil {
		t.Fatalf("valid expr rejected: %v", err)
	}
	if err := ValidateExpr("not a cron"); err == nil {
		t.Fatal("invalid expr accepted")
	}
}

func TestTickTriggersDueSchedules(t *testing.T) {
	s, st, creator := newTestScheduler(t)
	ctx := context.Background()

	sc, err := st.CreateSchedule(ctx, &store.Schedule{
		Name: "hourly", ClusterID: 1, ItemIDs: []int64{1, 2},
		CronExpr: "0 * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	// Just after creation nothing is due.
	s.now = func() time.Time { return sc.CreatedAt.Add(time.Minute) }
	s.Tick(ctx)
	if len(creator.created) != 0 {
		t.Fatal("triggered too early")
	}

	// Two hours later the schedule fires once and last_run_at advances.
	s.now = func() time.Time { return sc.CreatedAt.Add(2 * time.Hour) }
	s.Tick(ctx)
	if len(creator.created) != 1 {
		t.Fatalf("created = %v", creator.created)
	}
	got, _ := st.GetSchedule(ctx, sc.ID)
	if got.LastRunAt == nil {
		t.Fatal("last_run_at not stamped")
	}

	// An immediate second tick does not re-fire.
	s.Tick(ctx)
	if len(creator.created) != 1 {
		t.Fatalf("re-fired: %v", creator.created)
	}
}

func TestTickSkipsDisabledAndInvalid(t *testing.T) {
	s, st, creator := newTestScheduler(t)
	ctx := context.Background()

	st.CreateSchedule(ctx, &store.Schedule{
		Name: "disabled", ClusterID: 1, ItemIDs: []int64{1},
		CronExpr: "* * * * *", Enabled: false,
	})
	st.CreateSchedule(ctx, &store.Schedule{
		Name: "broken", ClusterID: 1, ItemIDs: []int64{1},
		CronExpr: "nope", Enabled: true,
	})

	s.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	s.Tick(ctx)
	if len(creator.created) != 0 {
		t.Fatalf("created = %v", creator.created)
	}
}
