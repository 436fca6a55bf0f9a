package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/orbitops/inspectd/internal/kube"
)

const builtinKubeTimeout = 15 * time.Second

// Summarised views of cluster objects, enough for the builtin verdicts.
type nodeInfo struct {
	Name  string
	Ready bool
}

type podInfo struct {
	Namespace string
	Name      string
	Phase     string
	Healthy   bool
}

type eventInfo struct {
	Namespace string
	Reason    string
	Message   string
}

// kubeAdapter reduces client-go objects to the summary types above.
type kubeAdapter struct {
	c *kube.Client
}

func (a *kubeAdapter) ServerVersion() (string, error) { return a.c.ServerVersion() }

func (a *kubeAdapter) Nodes(ctx context.Context) ([]nodeInfo, error) {
	nodes, err := a.c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nodeInfo, 0, len(nodes))
	for _, n := range nodes {
		ready := false
		for _, cond := range n.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}
		out = append(out, nodeInfo{Name: n.Name, Ready: ready})
	}
	return out, nil
}

func (a *kubeAdapter) Pods(ctx context.Context) ([]podInfo, error) {
	pods, err := a.c.Pods(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]podInfo, 0, len(pods))
	for _, p := range pods {
		phase := string(p.Status.Phase)
		out = append(out, podInfo{
			Namespace: p.Namespace,
			Name:      p.Name,
			Phase:     phase,
			Healthy:   phase == string(corev1.PodRunning) || phase == string(corev1.PodSucceeded),
		})
	}
	return out, nil
}

func (a *kubeAdapter) WarningEvents(ctx context.Context) ([]eventInfo, error) {
	events, err := a.c.WarningEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]eventInfo, 0, len(events))
	for _, ev := range events {
		out = append(out, eventInfo{Namespace: ev.Namespace, Reason: ev.Reason, Message: ev.Message})
	}
	return out, nil
}

// builtinThreshold pairs a fixed PromQL expression with fail/warn cutoffs.
type builtinThreshold struct {
	expression string
	failAt     float64
	warnAt     float64
	unit       string
	what       string
	suggestion string
}

var promBuiltins = map[string]builtinThreshold{
	"cluster_cpu_usage": {
		expression: `100 * (1 - avg(rate(node_cpu_seconds_total{mode="idle"}[5m])))`,
		failAt:     90, warnAt: 75, unit: "%",
		what:       "cluster CPU usage",
		suggestion: "investigate CPU-heavy workloads or add capacity",
	},
	"cluster_memory_usage": {
		expression: `100 * (1 - sum(node_memory_MemAvailable_bytes) / sum(node_memory_MemTotal_bytes))`,
		failAt:     90, warnAt: 80, unit: "%",
		what:       "cluster memory usage",
		suggestion: "investigate memory-heavy workloads or add capacity",
	},
	"node_cpu_hotspots": {
		expression: `topk(5, 100 * (1 - avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m]))))`,
		failAt:     90, warnAt: 80, unit: "%",
		what:       "hottest node CPU usage",
		suggestion: "rebalance workloads away from the hot nodes",
	},
	"node_memory_pressure": {
		expression: `topk(5, 100 * (1 - node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes))`,
		failAt:     95, warnAt: 85, unit: "%",
		what:       "highest node memory usage",
		suggestion: "rebalance workloads or grow node memory",
	},
	"cluster_disk_io": {
		expression: `max(rate(node_disk_io_time_seconds_total[5m]))`,
		failAt:     0.8, warnAt: 0.4, unit: "",
		what:       "peak disk IO utilisation",
		suggestion: "check for IO-bound workloads and disk saturation",
	},
}

func (e *Engine) evalBuiltin(ctx context.Context, kind string, target Target) Outcome {
	if th, ok := promBuiltins[kind]; ok {
		return e.evalPromBuiltin(ctx, th, target)
	}

	client, err := e.newKube(target.Kubeconfig, builtinKubeTimeout)
	if err != nil {
		return failed("cluster access failed: "+err.Error(), "verify the cluster kubeconfig")
	}

	switch kind {
	case "cluster_version":
		version, err := client.ServerVersion()
		if err != nil {
			return failed("API server unreachable: "+err.Error(), "verify the cluster kubeconfig")
		}
		return Outcome{Status: StatusPassed, Detail: "Kubernetes " + version}

	case "nodes_status":
		nodes, err := client.Nodes(ctx)
		if err != nil {
			return failed("node listing failed: "+err.Error(), "verify RBAC for node access")
		}
		var notReady []string
		for _, n := range nodes {
			if !n.Ready {
				notReady = append(notReady, n.Name)
			}
		}
		if len(notReady) > 0 {
			return failed(
				fmt.Sprintf("%d of %d node(s) not ready: %s", len(notReady), len(nodes), strings.Join(capList(notReady, 10), ", ")),
				"inspect the kubelet on the listed nodes",
			)
		}
		return Outcome{Status: StatusPassed, Detail: fmt.Sprintf("all %d node(s) ready", len(nodes))}

	case "pods_status":
		pods, err := client.Pods(ctx)
		if err != nil {
			return failed("pod listing failed: "+err.Error(), "verify RBAC for pod access")
		}
		var bad []string
		for _, p := range pods {
			if !p.Healthy {
				bad = append(bad, p.Namespace+"/"+p.Name+" ("+p.Phase+")")
			}
		}
		if len(bad) > 0 {
			return failed(
				fmt.Sprintf("%d pod(s) unhealthy: %s", len(bad), strings.Join(capList(bad, 10), ", ")),
				"describe the listed pods for failure details",
			)
		}
		return Outcome{Status: StatusPassed, Detail: fmt.Sprintf("all %d pod(s) healthy", len(pods))}

	case "events_recent":
		events, err := client.WarningEvents(ctx)
		if err != nil {
			return failed("event listing failed: "+err.Error(), "verify RBAC for event access")
		}
		if len(events) == 0 {
			return Outcome{Status: StatusPassed, Detail: "no recent warning events"}
		}
		samples := make([]string, 0, 3)
		for _, ev := range events {
			if len(samples) == 3 {
				break
			}
			samples = append(samples, ev.Namespace+": "+ev.Reason)
		}
		return Outcome{
			Status:     StatusWarning,
			Detail:     fmt.Sprintf("%d warning event(s), e.g. %s", len(events), strings.Join(samples, "; ")),
			Suggestion: "review cluster events for the listed reasons",
		}
	}
	return failed("unknown check type", "")
}

func (e *Engine) evalPromBuiltin(ctx context.Context, th builtinThreshold, target Target) Outcome {
	if target.PrometheusURL == "" {
		return Outcome{
			Status:     StatusWarning,
			Detail:     "cluster has no Prometheus endpoint configured",
			Suggestion: "set prometheus_url on the cluster to enable resource checks",
		}
	}
	vec, err := e.newProm(target.PrometheusURL).Query(ctx, th.expression)
	if err != nil {
		return failed("prometheus query failed: "+err.Error(), "verify the Prometheus endpoint")
	}
	if len(vec) == 0 {
		return Outcome{
			Status:     StatusWarning,
			Detail:     "query returned no data",
			Suggestion: "verify node-exporter metrics are being scraped",
		}
	}

	// topk expressions return one sample per node; the worst sample decides.
	worst := float64(vec[0].Value)
	for _, s := range vec[1:] {
		if float64(s.Value) > worst {
			worst = float64(s.Value)
		}
	}

	detail := fmt.Sprintf("%s at %.2f%s", th.what, worst, th.unit)
	switch {
	case worst >= th.failAt:
		return failed(detail, th.suggestion)
	case worst >= th.warnAt:
		return Outcome{Status: StatusWarning, Detail: detail, Suggestion: th.suggestion}
	default:
		return Outcome{Status: StatusPassed, Detail: detail}
	}
}

func capList(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return append(items[:n:n], "…")
}
