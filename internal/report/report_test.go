package report

import (
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/store"
)

func TestEmit(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, zap.NewNop())

	now := time.Now()
	run := &store.Run{
		ID: 7, ClusterName: "prod", Status: store.RunCompleted,
		Summary:   "2 item(s) passed, 0 warning(s), 0 failed",
		CreatedAt: now, CompletedAt: &now,
	}
	results := []*store.Result{
		{ItemName: "nodes ready", Status: store.ResultPassed, Detail: "all 3 node(s) ready"},
		{ItemName: "cpu usage", Status: store.ResultPassed, Detail: "cluster CPU usage at 41.00%", Suggestion: "none"},
	}

	mdPath, err := e.Emit(run, results)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	for _, want := range []string{"Run 7", "prod", "nodes ready", "PASSED", "2 item(s) passed"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	pdf, err := os.ReadFile(PDFPath(mdPath))
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	if !strings.HasPrefix(string(pdf), "%PDF") {
		t.Fatal("pdf artefact lacks PDF header")
	}
}
