package checks

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PromQLConfig is the user config for promql-kind items. The comparison names
// the failure condition: when `value comparison fail_threshold` holds, the
// item fails.
type PromQLConfig struct {
	Expression        string  `json:"expression"`
	Comparison        string  `json:"comparison"`
	FailThreshold     float64 `json:"fail_threshold"`
	DetailTemplate    string  `json:"detail_template"`
	SuggestionOnFail  string  `json:"suggestion_on_fail"`
	EmptyMessage      string  `json:"empty_message"`
	SuggestionIfEmpty string  `json:"suggestion_if_empty"`
}

func (e *Engine) evalPromQL(ctx context.Context, spec Spec, target Target) Outcome {
	if key := requireKeys(spec.Config, "expression", "comparison", "fail_threshold"); key != "" {
		return failed("inspection item misconfigured: "+key, "")
	}
	var cfg PromQLConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return failed("inspection item misconfigured: expression", "")
	}
	if !validComparison(cfg.Comparison) {
		return failed("inspection item misconfigured: comparison", "")
	}

	if target.PrometheusURL == "" {
		return Outcome{
			Status:     StatusWarning,
			Detail:     orDefault(cfg.EmptyMessage, "cluster has no Prometheus endpoint configured"),
			Suggestion: cfg.SuggestionIfEmpty,
		}
	}

	vec, err := e.newProm(target.PrometheusURL).Query(ctx, cfg.Expression)
	if err != nil {
		e.logger.Debug("promql check query failed",
			zap.String("item", spec.Name),
			zap.Error(err),
		)
		return failed("prometheus query failed: "+err.Error(), cfg.SuggestionOnFail)
	}
	if len(vec) == 0 {
		return Outcome{
			Status:     StatusWarning,
			Detail:     orDefault(cfg.EmptyMessage, "query returned no data"),
			Suggestion: cfg.SuggestionIfEmpty,
		}
	}

	value := float64(vec[0].Value)
	detail := renderDetail(cfg.DetailTemplate, cfg.Expression, value)
	if predicate(value, cfg.Comparison, cfg.FailThreshold) {
		return failed(detail, cfg.SuggestionOnFail)
	}
	return Outcome{Status: StatusPassed, Detail: detail}
}

func validComparison(cmp string) bool {
	switch cmp {
	case ">", "<", "==", ">=", "<=", "!=":
		return true
	}
	return false
}

// predicate evaluates `value cmp threshold`, naming the failure condition.
// Non-finite values never satisfy an ordering comparison; for == and != they
// always fail the item (predicate true), since equality against NaN is
// meaningless evidence either way.
func predicate(value float64, cmp string, threshold float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return cmp == "==" || cmp == "!="
	}
	switch cmp {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	}
	return false
}

func renderDetail(template, expression string, value float64) string {
	formatted := strconv.FormatFloat(value, 'f', -1, 64)
	if template == "" {
		return expression + " = " + formatted
	}
	out := strings.ReplaceAll(template, "{expression}", expression)
	return strings.ReplaceAll(out, "{value}", formatted)
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
