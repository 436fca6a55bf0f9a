// Package report renders finalised runs into Markdown and PDF artefacts under
// the data directory.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/store"
)

// Emitter writes report artefacts for finalised runs.
type Emitter struct {
	dir    string
	logger *zap.Logger
}

// New creates an emitter writing under dir (typically <DATA_DIR>/reports).
func New(dir string, logger *zap.Logger) *Emitter {
	return &Emitter{dir: dir, logger: logger}
}

// Emit renders both artefacts for the run and returns the Markdown path,
// which is recorded on the run row. The PDF sits next to it.
func (e *Emitter) Emit(run *store.Run, results []*store.Result) (string, error) {
	if err := os.MkdirAll(e.dir, 0750); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	mdPath := filepath.Join(e.dir, fmt.Sprintf("%d.md", run.ID))
	if err := os.WriteFile(mdPath, []byte(renderMarkdown(run, results)), 0640); err != nil {
		return "", fmt.Errorf("write markdown report: %w", err)
	}

	pdfPath := filepath.Join(e.dir, fmt.Sprintf("%d.pdf", run.ID))
	if err := renderPDF(pdfPath, run, results); err != nil {
		return "", fmt.Errorf("write pdf report: %w", err)
	}

	e.logger.Info("report emitted",
		zap.Int64("run_id", run.ID),
		zap.String("path", mdPath),
	)
	return mdPath, nil
}

// PDFPath returns the PDF artefact path corresponding to a Markdown path.
func PDFPath(mdPath string) string {
	return strings.TrimSuffix(mdPath, ".md") + ".pdf"
}

func renderMarkdown(run *store.Run, results []*store.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Inspection Report — Run %d\n\n", run.ID)
	fmt.Fprintf(&b, "- **Cluster**: %s\n", run.ClusterName)
	fmt.Fprintf(&b, "- **Status**: %s\n", run.Status)
	if run.Operator != "" {
		fmt.Fprintf(&b, "- **Operator**: %s\n", run.Operator)
	}
	fmt.Fprintf(&b, "- **Created**: %s\n", run.CreatedAt.UTC().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "- **Completed**: %s\n", run.CompletedAt.UTC().Format(time.RFC3339))
	}
	if run.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", run.Summary)
	}

	b.WriteString("\n## Results\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n### %d. %s — %s\n", i+1, r.ItemName, strings.ToUpper(r.Status))
		if r.Detail != "" {
			fmt.Fprintf(&b, "\n%s\n", r.Detail)
		}
		if r.Suggestion != "" {
			fmt.Fprintf(&b, "\n> Suggestion: %s\n", r.Suggestion)
		}
	}
	return b.String()
}

func renderPDF(path string, run *store.Run, results []*store.Result) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Inspection Report - Run %d", run.ID), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Cluster: "+run.ClusterName, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Status: "+run.Status, "", 1, "L", false, 0, "")
	if run.Summary != "" {
		pdf.CellFormat(0, 6, run.Summary, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	for i, r := range results {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(0, 6, fmt.Sprintf("%d. %s - %s", i+1, r.ItemName, strings.ToUpper(r.Status)), "", "L", false)
		pdf.SetFont("Helvetica", "", 9)
		if r.Detail != "" {
			pdf.MultiCell(0, 5, r.Detail, "", "L", false)
		}
		if r.Suggestion != "" {
			pdf.MultiCell(0, 5, "Suggestion: "+r.Suggestion, "", "L", false)
		}
		pdf.Ln(2)
	}

	return pdf.OutputFileAndClose(path)
}
