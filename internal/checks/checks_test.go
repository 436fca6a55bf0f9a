package checks

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

type fakeProm struct {
	vec model.Vector
	err error
}

func (f *fakeProm) Query(ctx context.Context, expr string) (model.Vector, error) {
	return f.vec, f.err
}

type fakeKube struct {
	version string
	nodes   []nodeInfo
	pods    []podInfo
	events  []eventInfo
	err     error
}

func (f *fakeKube) ServerVersion() (string, error) { return f.version, f.err }
func (f *fakeKube) Nodes(ctx context.Context) ([]nodeInfo, error) {
	return f.nodes, f.err
}
func (f *fakeKube) Pods(ctx context.Context) ([]podInfo, error) {
	return f.pods, f.err
}
func (f *fakeKube) WarningEvents(ctx context.Context) ([]eventInfo, error) {
	return f.events, f.err
}

func testEngine(prom *fakeProm, k8s *fakeKube) *Engine {
	e := New(zap.NewNop())
	if prom != nil {
		e.newProm = func(url string) promQuerier { return prom }
	}
	if k8s != nil {
		e.newKube = func(kubeconfig []byte, timeout time.Duration) (clusterClient, error) {
			return k8s, nil
		}
	}
	return e
}

func sample(v float64) model.Vector {
	return model.Vector{{Value: model.SampleValue(v), Timestamp: 0}}
}

func TestPredicateTable(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	cases := []struct {
		value     float64
		cmp       string
		threshold float64
		want      bool
	}{
		{5, ">", 3, true},
		{3, ">", 5, false},
		{3, "<", 5, true},
		{5, "<=", 5, true},
		{5, ">=", 6, false},
		{5, "==", 5, true},
		{5, "!=", 5, false},
		{5, "!=", 6, true},
		// Non-finite values never satisfy an ordering comparison.
		{nan, ">", 0, false},
		{nan, "<", 0, false},
		{nan, ">=", 0, false},
		{nan, "<=", 0, false},
		{inf, ">", 0, false},
		// For equality comparisons non-finite always fails the item.
		{nan, "==", 0, true},
		{nan, "!=", 0, true},
		{inf, "==", 0, true},
	}
	for _, tc := range cases {
		if got := predicate(tc.value, tc.cmp, tc.threshold); got != tc.want {
			t.Errorf("predicate(%v %s %v) = %v, want %v", tc.value, tc.cmp, tc.threshold, got, tc.want)
		}
	}
}

func TestCommandCheck(t *testing.T) {
	e := New(zap.NewNop())
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "echo",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"echo ok","shell":true,"timeout_s":5,"success_message":"ok"}`),
		}, Target{})
		if out.Status != StatusPassed || out.Detail != "ok" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("nonzero exit", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "boom",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"sh -c 'echo broken >&2; exit 3'","shell":true,"suggestion_on_fail":"fix it"}`),
		}, Target{})
		if out.Status != StatusFailed {
			t.Fatalf("status = %q", out.Status)
		}
		if !strings.Contains(out.Detail, "broken") {
			t.Fatalf("detail should carry command output, got %q", out.Detail)
		}
		if out.Suggestion != "fix it" {
			t.Fatalf("suggestion = %q", out.Suggestion)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "slow",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"sleep 5","shell":true,"timeout_s":1}`),
		}, Target{})
		if out.Status != StatusFailed {
			t.Fatalf("status = %q", out.Status)
		}
		if !strings.Contains(out.Detail, "timed out") {
			t.Fatalf("detail = %q", out.Detail)
		}
	})

	t.Run("kubeconfig substitution", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "kc",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"cat {{kubeconfig}}","shell":true}`),
		}, Target{Kubeconfig: []byte("kc-content")})
		if out.Status != StatusPassed {
			t.Fatalf("outcome = %+v", out)
		}
		if out.Detail != "kc-content" {
			t.Fatalf("detail = %q", out.Detail)
		}
	})

	t.Run("misconfigured", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "nocmd",
			CheckType: "command",
			Config:    json.RawMessage(`{"shell":true}`),
		}, Target{})
		if out.Status != StatusFailed || out.Detail != "inspection item misconfigured: command" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("quoted args without shell", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "quoted",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"echo 'hello world'"}`),
		}, Target{})
		if out.Status != StatusPassed || out.Detail != "hello world" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("unterminated quote", func(t *testing.T) {
		out := e.Evaluate(ctx, Spec{
			Name:      "broken-quote",
			CheckType: "command",
			Config:    json.RawMessage(`{"command":"echo 'oops"}`),
		}, Target{})
		if out.Status != StatusFailed || out.Detail != "inspection item misconfigured: command" {
			t.Fatalf("outcome = %+v", out)
		}
	})
}

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`kubectl get pods -o jsonpath='{.items[0].metadata.name}'`,
			[]string{"kubectl", "get", "pods", "-o", "jsonpath={.items[0].metadata.name}"}},
		{`echo "a b" c`, []string{"echo", "a b", "c"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo "esc \" quote"`, []string{"echo", `esc " quote`}},
		{"  spaced \t out  ", []string{"spaced", "out"}},
		{`echo ''`, []string{"echo", ""}},
	}
	for _, tc := range cases {
		got, err := splitArgs(tc.in)
		if err != nil {
			t.Errorf("splitArgs(%q): %v", tc.in, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("splitArgs(%q) = %q, want %q", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitArgs(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}

	if _, err := splitArgs(`echo "unclosed`); err == nil {
		t.Error("unterminated double quote accepted")
	}
	if _, err := splitArgs(`echo 'unclosed`); err == nil {
		t.Error("unterminated single quote accepted")
	}
}

func TestPromQLCheck(t *testing.T) {
	ctx := context.Background()
	config := json.RawMessage(`{"expression":"up{job='x'}","comparison":">","fail_threshold":0.5,
		"detail_template":"{expression} yielded {value}","suggestion_on_fail":"scale down",
		"empty_message":"no data","suggestion_if_empty":"configure exporter"}`)
	spec := Spec{Name: "p", CheckType: "promql", Config: config}
	target := Target{PrometheusURL: "http://prom"}

	t.Run("predicate satisfied means failed", func(t *testing.T) {
		e := testEngine(&fakeProm{vec: sample(0.9)}, nil)
		out := e.Evaluate(ctx, spec, target)
		if out.Status != StatusFailed || out.Suggestion != "scale down" {
			t.Fatalf("outcome = %+v", out)
		}
		if out.Detail != "up{job='x'} yielded 0.9" {
			t.Fatalf("detail = %q", out.Detail)
		}
	})

	t.Run("predicate not satisfied means passed", func(t *testing.T) {
		e := testEngine(&fakeProm{vec: sample(0.1)}, nil)
		out := e.Evaluate(ctx, spec, target)
		if out.Status != StatusPassed {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("empty vector is a warning", func(t *testing.T) {
		e := testEngine(&fakeProm{vec: model.Vector{}}, nil)
		out := e.Evaluate(ctx, spec, target)
		if out.Status != StatusWarning || out.Detail != "no data" || out.Suggestion != "configure exporter" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("transport error is a failure", func(t *testing.T) {
		e := testEngine(&fakeProm{err: errors.New("connection refused")}, nil)
		out := e.Evaluate(ctx, spec, target)
		if out.Status != StatusFailed {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("no prometheus url is a warning", func(t *testing.T) {
		e := testEngine(&fakeProm{vec: sample(1)}, nil)
		out := e.Evaluate(ctx, spec, Target{})
		if out.Status != StatusWarning || out.Detail != "no data" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("missing required key", func(t *testing.T) {
		e := testEngine(&fakeProm{}, nil)
		out := e.Evaluate(ctx, Spec{
			Name: "p", CheckType: "promql",
			Config: json.RawMessage(`{"expression":"up","comparison":">"}`),
		}, target)
		if out.Status != StatusFailed || out.Detail != "inspection item misconfigured: fail_threshold" {
			t.Fatalf("outcome = %+v", out)
		}
	})
}

func TestUnknownCheckType(t *testing.T) {
	e := New(zap.NewNop())
	out := e.Evaluate(context.Background(), Spec{
		Name: "legacy", CheckType: "dns_probe", Config: json.RawMessage(`{}`),
	}, Target{})
	if out.Status != StatusFailed || out.Detail != "unknown check type" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestBuiltinKubeChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("cluster_version", func(t *testing.T) {
		e := testEngine(nil, &fakeKube{version: "v1.29.2"})
		out := e.Evaluate(ctx, Spec{CheckType: "cluster_version"}, Target{})
		if out.Status != StatusPassed || out.Detail != "Kubernetes v1.29.2" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("nodes_status not ready", func(t *testing.T) {
		e := testEngine(nil, &fakeKube{nodes: []nodeInfo{
			{Name: "n1", Ready: true}, {Name: "n2", Ready: false},
		}})
		out := e.Evaluate(ctx, Spec{CheckType: "nodes_status"}, Target{})
		if out.Status != StatusFailed || !strings.Contains(out.Detail, "n2") {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("pods_status healthy", func(t *testing.T) {
		e := testEngine(nil, &fakeKube{pods: []podInfo{
			{Namespace: "ns", Name: "p1", Phase: "Running", Healthy: true},
		}})
		out := e.Evaluate(ctx, Spec{CheckType: "pods_status"}, Target{})
		if out.Status != StatusPassed {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("events_recent warnings", func(t *testing.T) {
		e := testEngine(nil, &fakeKube{events: []eventInfo{
			{Namespace: "ns", Reason: "BackOff", Message: "x"},
		}})
		out := e.Evaluate(ctx, Spec{CheckType: "events_recent"}, Target{})
		if out.Status != StatusWarning || !strings.Contains(out.Detail, "BackOff") {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("listing error", func(t *testing.T) {
		e := testEngine(nil, &fakeKube{err: errors.New("forbidden")})
		out := e.Evaluate(ctx, Spec{CheckType: "nodes_status"}, Target{})
		if out.Status != StatusFailed {
			t.Fatalf("outcome = %+v", out)
		}
	})
}

func TestBuiltinPromThresholds(t *testing.T) {
	ctx := context.Background()
	target := Target{PrometheusURL: "http://prom"}

	cases := []struct {
		kind  string
		value float64
		want  string
	}{
		{"cluster_cpu_usage", 50, StatusPassed},
		{"cluster_cpu_usage", 80, StatusWarning},
		{"cluster_cpu_usage", 95, StatusFailed},
		{"cluster_memory_usage", 85, StatusWarning},
		{"cluster_memory_usage", 92, StatusFailed},
		{"node_cpu_hotspots", 85, StatusWarning},
		{"node_memory_pressure", 96, StatusFailed},
		{"cluster_disk_io", 0.5, StatusWarning},
		{"cluster_disk_io", 0.9, StatusFailed},
		{"cluster_disk_io", 0.1, StatusPassed},
	}
	for _, tc := range cases {
		e := testEngine(&fakeProm{vec: sample(tc.value)}, nil)
		out := e.Evaluate(ctx, Spec{CheckType: tc.kind}, target)
		if out.Status != tc.want {
			t.Errorf("%s at %v = %q, want %q (%s)", tc.kind, tc.value, out.Status, tc.want, out.Detail)
		}
	}

	t.Run("worst sample decides", func(t *testing.T) {
		vec := model.Vector{
			{Value: 50}, {Value: 93}, {Value: 70},
		}
		e := testEngine(&fakeProm{vec: vec}, nil)
		out := e.Evaluate(ctx, Spec{CheckType: "node_cpu_hotspots"}, target)
		if out.Status != StatusFailed {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("degrades without prometheus", func(t *testing.T) {
		e := testEngine(&fakeProm{vec: sample(99)}, nil)
		out := e.Evaluate(ctx, Spec{CheckType: "cluster_cpu_usage"}, Target{})
		if out.Status != StatusWarning {
			t.Fatalf("outcome = %+v", out)
		}
	})
}
