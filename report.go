package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BuildReport renders the post-merge summary as markdown. It reads only
// Active and MergedGroup rows plus the record log, never MergedInto rows.
func BuildReport(store *IssueStore, records []MergeRecord, analysis *AnalysisResult, areas []PriorityArea, generatedAt time.Time, teamName string) string {
	counts := store.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "# %s QA Analysis Report\n\n", teamName)
	fmt.Fprintf(&b, "Generated on %s\n\n", generatedAt.Format("2006-01-02 15:04:05"))

	b.WriteString("## Issue Counts\n\n")
	fmt.Fprintf(&b, "- **Total issues**: %d\n", counts.Total)
	fmt.Fprintf(&b, "- **Active issues**: %d (each merge group counted once)\n", counts.Active)
	fmt.Fprintf(&b, "- **Merge groups**: %d\n", counts.MergedGroups)
	fmt.Fprintf(&b, "- **Merged constituents**: %d\n", counts.MergedConstituents)
	fmt.Fprintf(&b, "- **Unmerged issues**: %d\n\n", counts.Unmerged)

	b.WriteString("## Issues by Standard\n\n")
	writeDistribution(&b, store.StandardDistribution())

	b.WriteString("## Issues by Theme\n\n")
	writeDistribution(&b, store.ThemeDistribution())

	b.WriteString("## Merge History\n\n")
	if len(records) == 0 {
		b.WriteString("No merges applied.\n\n")
	}
	for _, record := range records {
		kind := "full"
		if record.Partial {
			kind = "partial"
		}
		fmt.Fprintf(&b, "- %s: %s merge into %s: %s (confidence %.2f)\n",
			record.CreatedAt.Format("2006-01-02 15:04"), kind, record.GroupID,
			strings.Join(record.MergedIDs, ", "), record.Confidence)
		if len(record.ExcludedIDs) > 0 {
			fmt.Fprintf(&b, "  - excluded: %s (%s)\n", strings.Join(record.ExcludedIDs, ", "), record.ExcludeReason)
		}
		if record.Rationale != "" {
			fmt.Fprintf(&b, "  - rationale: %s\n", record.Rationale)
		}
	}
	if len(records) > 0 {
		b.WriteString("\n")
	}

	if analysis != nil {
		b.WriteString("## Analysis Summary\n\n")
		if analysis.Summary.OverallAssessment != "" {
			b.WriteString(analysis.Summary.OverallAssessment + "\n\n")
		}
		if len(analysis.Summary.CriticalFindings) > 0 {
			b.WriteString("### Critical Findings\n\n")
			for _, finding := range analysis.Summary.CriticalFindings {
				fmt.Fprintf(&b, "- %s\n", finding)
			}
			b.WriteString("\n")
		}
		for _, sa := range analysis.StandardsAnalysis {
			fmt.Fprintf(&b, "### %s\n\n", sa.Standard)
			fmt.Fprintf(&b, "Priority: %s\n\n", sa.PriorityLevel)
			for _, pattern := range sa.KeyPatterns {
				fmt.Fprintf(&b, "- %s\n", pattern)
			}
			if len(sa.Recommendations) > 0 {
				b.WriteString("\nRecommendations:\n")
				for _, rec := range sa.Recommendations {
					fmt.Fprintf(&b, "- %s\n", rec)
				}
			}
			b.WriteString("\n")
		}
	}

	if len(areas) > 0 {
		b.WriteString("## Priority Areas\n\n")
		for i, area := range areas {
			fmt.Fprintf(&b, "%d. **%s**: score %.1f (issues: %d, avg severity: %.2f", i+1, area.Standard, area.PriorityScore, area.IssueCount, area.AvgSeverity)
			if area.HasMergedIssues {
				b.WriteString(", has merged groups")
			}
			b.WriteString(")\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeDistribution(b *strings.Builder, stats []StandardStat) {
	if len(stats) == 0 {
		b.WriteString("None.\n\n")
		return
	}
	b.WriteString("| Name | Issues | Avg Severity |\n| --- | --- | --- |\n")
	for _, stat := range stats {
		fmt.Fprintf(b, "| %s | %d | %.2f |\n", stat.Standard, stat.Count, stat.AvgScore)
	}
	b.WriteString("\n")
}

func WriteReportFile(content, outputDir string, reportDate time.Time, teamName string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%s_qa_report_%s.md", sanitizeFilename(teamName), reportDate.Format("20060102"))
	path := filepath.Join(outputDir, filename)
	return path, os.WriteFile(path, []byte(content), 0644)
}

func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_")
	return replacer.Replace(s)
}
