package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/store"
)

type recordingFinalizer struct {
	runs []int64
}

func (f *recordingFinalizer) FinalizeRun(ctx context.Context, runID int64) error {
	f.runs = append(f.runs, runID)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *recordingFinalizer) {
	t.Helper()
	st, err := store.Open("", t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fin := &recordingFinalizer{}
	c := New(st, 5*time.Minute, zap.NewNop())
	c.SetFinalizer(fin)
	return c, st, fin
}

func agentRun(t *testing.T, st *store.Store, agentID int64, itemCount int) (*store.Run, []*store.Item) {
	t.Helper()
	ctx := context.Background()
	cluster, err := st.CreateCluster(ctx, &store.Cluster{Name: "c-" + t.Name(), KubeconfigPath: "x"})
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	var items []*store.Item
	for i := 0; i < itemCount; i++ {
		it, err := st.CreateItem(ctx, &store.Item{
			Name:      "item-" + t.Name() + "-" + string(rune('a'+i)),
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"echo ok"}`),
		})
		if err != nil {
			t.Fatalf("create item: %v", err)
		}
		items = append(items, it)
	}
	run, err := st.CreateRun(ctx, &store.Run{
		ClusterID: cluster.ID, ClusterName: cluster.Name,
		Executor: store.ExecutorAgent, AgentID: &agentID, AgentStatus: store.AgentStatusQueued,
	}, items)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run, items
}

func TestRegisterIssuesTokenOnce(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	agent, token, err := c.Register(ctx, "agent-1", nil, "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(token, "iak_") || len(token) != 52 {
		t.Fatalf("token shape = %q", token)
	}
	stored, _ := st.GetAgent(ctx, agent.ID)
	if stored.TokenHash == token {
		t.Fatal("plaintext token stored")
	}

	// Same name, same (nil) cluster: token rotates, id is stable.
	again, token2, err := c.Register(ctx, "agent-1", nil, "", "")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != agent.ID {
		t.Fatalf("re-register created a new agent: %d vs %d", again.ID, agent.ID)
	}
	if token2 == token {
		t.Fatal("token not rotated")
	}
	if _, err := c.Authenticate(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("old token still valid after rotation")
	}
	if _, err := c.Authenticate(ctx, token2); err != nil {
		t.Fatalf("new token rejected: %v", err)
	}

	// Same name, different cluster: conflict.
	other := int64(42)
	if _, _, err := c.Register(ctx, "agent-1", &other, "", ""); !store.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	agent, token, _ := c.Register(ctx, "agent-1", nil, "", "")

	got, err := c.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != agent.ID {
		t.Fatalf("wrong agent: %d", got.ID)
	}
	stored, _ := st.GetAgent(ctx, agent.ID)
	if stored.LastSeenAt == nil {
		t.Fatal("last_seen_at not updated")
	}

	for _, bad := range []string{"", "iak_", "iak_000000000000dead", "not-a-token"} {
		if _, err := c.Authenticate(ctx, bad); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: expected ErrUnauthenticated, got %v", bad, err)
		}
	}
}

func TestPullTasksReservesRun(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	agent, _, _ := c.Register(ctx, "agent-1", nil, "", "")
	run, items := agentRun(t, st, agent.ID, 3)

	tasks, err := c.PullTasks(ctx, agent, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if tasks[0].RunID != run.ID || tasks[0].ItemID != items[0].ID {
		t.Fatalf("task = %+v", tasks[0])
	}
	if tasks[0].CheckType != "command" {
		t.Fatalf("item snapshot not expanded: %+v", tasks[0])
	}
	if !tasks[0].LeaseExpiresAt.After(time.Now()) {
		t.Fatal("lease not in the future")
	}

	// While the lease is live, a second pull sees nothing.
	again, _ := c.PullTasks(ctx, agent, 10)
	if len(again) != 0 {
		t.Fatalf("double reservation: %d tasks", len(again))
	}
}

func TestLeaseReclaimReturnsSameTasks(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	agent, _, _ := c.Register(ctx, "agent-1", nil, "", "")
	run, _ := agentRun(t, st, agent.ID, 3)

	first, _ := c.PullTasks(ctx, agent, 10)
	if len(first) != 3 {
		t.Fatalf("tasks = %d", len(first))
	}

	// Lease lapses with no submissions; the sweeper hands the run back.
	c.Sweep(ctx, time.Now().Add(6*time.Minute))
	got, _ := st.GetRun(ctx, run.ID)
	if got.AgentStatus != store.AgentStatusQueued {
		t.Fatalf("agent_status = %q after sweep", got.AgentStatus)
	}

	second, _ := c.PullTasks(ctx, agent, 10)
	if len(second) != 3 {
		t.Fatalf("re-pull tasks = %d", len(second))
	}
	for i := range first {
		if second[i].ItemID != first[i].ItemID {
			t.Fatalf("task %d differs after reclaim", i)
		}
	}
}

func TestSubmitResultIdempotent(t *testing.T) {
	c, st, fin := newTestCoordinator(t)
	ctx := context.Background()

	agent, _, _ := c.Register(ctx, "agent-1", nil, "", "")
	run, items := agentRun(t, st, agent.ID, 2)
	c.PullTasks(ctx, agent, 10)

	res, already, err := c.SubmitResult(ctx, agent, run.ID, items[0].ID, store.ResultPassed, "first", "")
	if err != nil || already {
		t.Fatalf("submit: %v already=%v", err, already)
	}
	if res.Detail != "first" {
		t.Fatalf("detail = %q", res.Detail)
	}

	// Duplicate with different detail keeps the original row.
	res2, already, err := c.SubmitResult(ctx, agent, run.ID, items[0].ID, store.ResultFailed, "second", "")
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !already || res2.Detail != "first" || res2.Status != store.ResultPassed {
		t.Fatalf("duplicate rewrote: already=%v %+v", already, res2)
	}
	got, _ := st.GetRun(ctx, run.ID)
	if got.ProcessedItems != 1 {
		t.Fatalf("processed advanced twice: %d", got.ProcessedItems)
	}
	if len(fin.runs) != 0 {
		t.Fatal("finalised before all items accounted for")
	}

	// Last item triggers finalisation exactly once.
	if _, _, err := c.SubmitResult(ctx, agent, run.ID, items[1].ID, store.ResultWarning, "", ""); err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if len(fin.runs) != 1 || fin.runs[0] != run.ID {
		t.Fatalf("finalizer calls = %v", fin.runs)
	}
}

func TestSubmitResultWrongAgent(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	owner, _, _ := c.Register(ctx, "owner", nil, "", "")
	intruder, _, _ := c.Register(ctx, "intruder", nil, "", "")
	run, items := agentRun(t, st, owner.ID, 1)

	if _, _, err := c.SubmitResult(ctx, intruder, run.ID, items[0].ID, store.ResultPassed, "", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestReportRunFailure(t *testing.T) {
	c, st, fin := newTestCoordinator(t)
	ctx := context.Background()

	agent, _, _ := c.Register(ctx, "agent-1", nil, "", "")
	run, items := agentRun(t, st, agent.ID, 3)
	c.PullTasks(ctx, agent, 10)
	c.SubmitResult(ctx, agent, run.ID, items[0].ID, store.ResultPassed, "ok", "")

	if err := c.ReportRunFailure(ctx, agent, run.ID, "node drained"); err != nil {
		t.Fatalf("report failure: %v", err)
	}

	results, _ := st.RunResults(ctx, run.ID)
	if results[0].Status != store.ResultPassed {
		t.Fatal("failure rewrote the submitted result")
	}
	for _, r := range results[1:] {
		if r.Status != store.ResultFailed || !strings.Contains(r.Detail, "node drained") {
			t.Fatalf("remaining row = %+v", r)
		}
	}
	if len(fin.runs) != 1 {
		t.Fatalf("finalizer calls = %v", fin.runs)
	}
}
