// Package checks evaluates inspection items against a cluster. The engine
// never lets an error cross its boundary: every failure mode becomes a result
// with status failed (or warning for soft conditions like missing Prometheus).
package checks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/kube"
	"github.com/orbitops/inspectd/internal/promql"
)

// Result statuses produced by the engine.
const (
	StatusPassed  = "passed"
	StatusWarning = "warning"
	StatusFailed  = "failed"
)

const defaultCommandTimeout = 30 * time.Second

// Outcome is the tri-valued verdict for one item on one cluster.
type Outcome struct {
	Status     string
	Detail     string
	Suggestion string
}

func failed(detail, suggestion string) Outcome {
	return Outcome{Status: StatusFailed, Detail: detail, Suggestion: suggestion}
}

// Target carries the cluster-side inputs a check needs.
type Target struct {
	ClusterName   string
	Kubeconfig    []byte
	PrometheusURL string
}

// Spec is the engine's view of an inspection item: its kind plus the raw
// per-kind config document.
type Spec struct {
	Name      string
	CheckType string
	Config    json.RawMessage
}

type promQuerier interface {
	Query(ctx context.Context, expr string) (model.Vector, error)
}

type clusterClient interface {
	ServerVersion() (string, error)
	Nodes(ctx context.Context) ([]nodeInfo, error)
	Pods(ctx context.Context) ([]podInfo, error)
	WarningEvents(ctx context.Context) ([]eventInfo, error)
}

// Engine evaluates items. Safe for concurrent use.
type Engine struct {
	logger *zap.Logger

	// seams for tests
	newProm func(url string) promQuerier
	newKube func(kubeconfig []byte, timeout time.Duration) (clusterClient, error)
}

// New creates an engine wired to the real Prometheus and Kubernetes clients.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:  logger,
		newProm: func(url string) promQuerier { return promql.New(url) },
		newKube: func(kubeconfig []byte, timeout time.Duration) (clusterClient, error) {
			c, err := kube.NewClient(kubeconfig, timeout)
			if err != nil {
				return nil, err
			}
			return &kubeAdapter{c: c}, nil
		},
	}
}

// Evaluate runs one item against one cluster.
func (e *Engine) Evaluate(ctx context.Context, spec Spec, target Target) Outcome {
	switch spec.CheckType {
	case "command":
		return e.evalCommand(ctx, spec, target)
	case "promql":
		return e.evalPromQL(ctx, spec, target)
	case "cluster_version", "nodes_status", "pods_status", "events_recent",
		"cluster_cpu_usage", "cluster_memory_usage", "node_cpu_hotspots",
		"node_memory_pressure", "cluster_disk_io":
		return e.evalBuiltin(ctx, spec.CheckType, target)
	default:
		e.logger.Warn("unknown check type",
			zap.String("item", spec.Name),
			zap.String("check_type", spec.CheckType),
		)
		return failed("unknown check type", "")
	}
}

// requireKeys returns the first required key absent from the raw config, or ""
// when all are present. Missing keys produce a failed result, never a panic.
func requireKeys(raw json.RawMessage, keys ...string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return keys[0]
	}
	for _, k := range keys {
		if _, ok := doc[k]; !ok {
			return k
		}
	}
	return ""
}
