package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildReportCountsAndDistributions(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-1", "Accuracy", "Hallucination", "p1", "r1", "3"),
		issueRow("QA-2", "Accuracy", "Hallucination", "p2", "r2", "2"),
		issueRow("QA-3", "Tone", "Verbosity", "p3", "r3", "1"),
	)
	group := ProposalGroup{Issues: []string{"QA-1", "QA-2"}, Confidence: 0.9, Rationale: "same failure"}
	record, err := ApplyMerge(store, group, nil)
	if err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}

	report := BuildReport(store, []MergeRecord{*record}, nil, nil, time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC), "Support QA")

	for _, want := range []string{
		"# Support QA QA Analysis Report",
		"Generated on 2025-01-15 09:30:00",
		"- **Total issues**: 4",
		"- **Active issues**: 2",
		"- **Merge groups**: 1",
		"- **Merged constituents**: 2",
		"- **Unmerged issues**: 1",
		"| Accuracy | 1 | 3.00 |",
		"| Tone | 1 | 1.00 |",
		"full merge into " + record.GroupID + ": QA-1, QA-2",
		"rationale: same failure",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
	// The distribution tables reflect active units, so the constituent
	// rows must not inflate Accuracy beyond its single merge group.
	if strings.Contains(report, "| Accuracy | 2 |") {
		t.Fatalf("constituents leaked into standard distribution:\n%s", report)
	}
}

func TestBuildReportPartialMergeShowsExclusions(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-1", "Std", "Theme", "p1", "r1", "2"),
		issueRow("QA-2", "Std", "Theme", "p2", "r2", "2"),
		issueRow("QA-3", "Std", "Theme", "p3", "r3", "2"),
	)
	group := ProposalGroup{Issues: []string{"QA-1", "QA-2", "QA-3"}, Confidence: 0.85}
	record, err := ApplyMerge(store, group, []string{"QA-1", "QA-2"})
	if err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}

	report := BuildReport(store, []MergeRecord{*record}, nil, nil, time.Now(), "Team")
	if !strings.Contains(report, ": partial merge into") {
		t.Fatalf("expected partial merge entry:\n%s", report)
	}
	if !strings.Contains(report, "excluded: QA-3 ("+reviewerExcludeReason+")") {
		t.Fatalf("expected exclusion line:\n%s", report)
	}
}

func TestBuildReportNoMerges(t *testing.T) {
	store := loadTestStore(t, issueRow("QA-1", "Std", "Theme", "p", "r", "1"))

	report := BuildReport(store, nil, nil, nil, time.Now(), "Team")
	if !strings.Contains(report, "No merges applied.") {
		t.Fatalf("expected empty merge history marker:\n%s", report)
	}
}

func TestBuildReportAnalysisSections(t *testing.T) {
	store := loadTestStore(t, issueRow("QA-1", "Accuracy", "Theme", "p", "r", "3"))
	analysis := &AnalysisResult{
		Summary: AnalysisSummary{
			CriticalFindings:  []string{"model invents citations"},
			OverallAssessment: "accuracy needs attention",
		},
		StandardsAnalysis: []StandardAnalysis{{
			Standard:        "Accuracy",
			PriorityLevel:   "high",
			KeyPatterns:     []string{"fabricated sources"},
			Recommendations: []string{"add retrieval grounding"},
		}},
	}
	areas := []PriorityArea{{Standard: "Accuracy", PriorityScore: 50, IssueCount: 2, AvgSeverity: 3, HasMergedIssues: true}}

	report := BuildReport(store, nil, analysis, areas, time.Now(), "Team")
	for _, want := range []string{
		"## Analysis Summary",
		"accuracy needs attention",
		"- model invents citations",
		"### Accuracy",
		"Priority: high",
		"- add retrieval grounding",
		"## Priority Areas",
		"1. **Accuracy**: score 50.0 (issues: 2, avg severity: 3.00, has merged groups)",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
	if strings.Contains(report, "\u2014") {
		t.Fatalf("report contains em-dash:\n%s", report)
	}
}

func TestWriteReportFile(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	path, err := WriteReportFile("# report body\n", dir, date, "Support / QA Team")
	if err != nil {
		t.Fatalf("WriteReportFile failed: %v", err)
	}
	if filepath.Base(path) != "Support___QA_Team_qa_report_20250115.md" {
		t.Fatalf("unexpected filename: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "# report body\n" {
		t.Fatalf("unexpected content: %q", data)
	}
}
