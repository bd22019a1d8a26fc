package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
)

type AnalysisSummary struct {
	CriticalFindings  []string `json:"critical_findings"`
	OverallAssessment string   `json:"overall_assessment"`
}

type StandardAnalysis struct {
	Standard        string   `json:"standard"`
	TotalIssues     int      `json:"total_issues"`
	KeyPatterns     []string `json:"key_patterns"`
	PriorityLevel   string   `json:"priority_level"`
	Recommendations []string `json:"recommendations"`
}

type AnalysisResult struct {
	Summary           AnalysisSummary    `json:"summary"`
	StandardsAnalysis []StandardAnalysis `json:"standards_analysis"`
}

type PriorityArea struct {
	Standard        string   `json:"standard"`
	PriorityScore   float64  `json:"priority_score"`
	IssueCount      int      `json:"issue_count"`
	AvgSeverity     float64  `json:"avg_severity"`
	HasMergedIssues bool     `json:"has_merged_issues"`
	KeyPatterns     []string `json:"key_patterns"`
	Recommendations []string `json:"recommendations"`
}

type analysisIssuePayload struct {
	IssueID          string `json:"issue_id"`
	InputPrompt      string `json:"input_prompt"`
	FailureRationale string `json:"failure_rationale"`
	Score            int    `json:"score"`
	IsMergedGroup    bool   `json:"is_merged_group"`
}

// AnalyzeIssues asks the model for a pattern analysis of the active issue
// set. Merged constituents are excluded; a merged group represents its
// constituents as one unit.
func AnalyzeIssues(ctx context.Context, cfg Config, store *IssueStore) (*AnalysisResult, LLMUsage, error) {
	systemPrompt, userPrompt := buildAnalysisPrompts(store)

	log.Printf("llm qa-analysis provider=%s active=%d", cfg.LLMProvider, len(store.ActiveIssues()))
	responseText, usage, err := callLLM(ctx, cfg, systemPrompt, userPrompt)
	if err != nil {
		return nil, usage, err
	}

	result, err := parseAnalysisResponse(responseText)
	if err != nil {
		return nil, usage, err
	}
	return result, usage, nil
}

func buildAnalysisPrompts(store *IssueStore) (string, string) {
	counts := store.Counts()

	byStandard := make(map[string][]analysisIssuePayload)
	var standards []string
	for _, issue := range store.ActiveIssues() {
		if _, seen := byStandard[issue.Standard]; !seen {
			standards = append(standards, issue.Standard)
		}
		byStandard[issue.Standard] = append(byStandard[issue.Standard], analysisIssuePayload{
			IssueID:          issue.ID,
			InputPrompt:      issue.Prompt,
			FailureRationale: issue.Rationale,
			Score:            issue.Score,
			IsMergedGroup:    issue.IsGroup(),
		})
	}
	encoded, _ := json.MarshalIndent(byStandard, "", "  ")

	systemPrompt := `You are an expert at analyzing QA testing data for conversational AI systems.
Focus on:
- identifying systemic issues and patterns
- prioritizing areas for improvement
- providing actionable recommendations

The dataset covers only active issues: merged groups and unmerged individuals. Treat a merged group as representing multiple related issues.

Respond with JSON only (no markdown):
{"summary": {"critical_findings": ["..."], "overall_assessment": "..."}, "standards_analysis": [{"standard": "...", "total_issues": 1, "key_patterns": ["..."], "priority_level": "high", "recommendations": ["..."]}]}`

	userPrompt := fmt.Sprintf(`Dataset overview:
- Total active issues: %d (merged groups: %d, unmerged: %d)
- Standards evaluated: %d

Issues by standard:
%s`, counts.Active, counts.MergedGroups, counts.Unmerged, len(standards), encoded)
	return systemPrompt, userPrompt
}

func parseAnalysisResponse(responseText string) (*AnalysisResult, error) {
	cleaned := stripMarkdownFences(responseText)
	var result AnalysisResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, &MalformedResponseError{Err: err, Response: responseText}
	}
	return &result, nil
}

// PriorityScore rates a standard 0-100: issue volume (max 40), severity
// (max 40), and a 20 point bonus when a standard already produced a merge
// group, since repeats suggest a systemic problem.
func PriorityScore(issueCount int, avgScore float64, hasMerged bool) float64 {
	countScore := math.Min(40, float64(issueCount)*5)
	severityScore := math.Min(40, avgScore*13.33)
	mergeBonus := 0.0
	if hasMerged {
		mergeBonus = 20
	}
	return math.Round((countScore+severityScore+mergeBonus)*10) / 10
}

const priorityAreaThreshold = 30

// GeneratePriorityAreas ranks standards by priority score, keeping only
// areas over the inclusion threshold, sorted descending.
func GeneratePriorityAreas(store *IssueStore, result *AnalysisResult) []PriorityArea {
	perStandard := make(map[string][]*Issue)
	for _, issue := range store.ActiveIssues() {
		perStandard[issue.Standard] = append(perStandard[issue.Standard], issue)
	}

	var areas []PriorityArea
	for _, sa := range result.StandardsAnalysis {
		issues := perStandard[sa.Standard]
		if len(issues) == 0 {
			continue
		}
		sum := 0
		hasMerged := false
		for _, issue := range issues {
			sum += issue.Score
			if issue.IsGroup() {
				hasMerged = true
			}
		}
		avg := float64(sum) / float64(len(issues))
		score := PriorityScore(len(issues), avg, hasMerged)
		if score <= priorityAreaThreshold {
			continue
		}
		areas = append(areas, PriorityArea{
			Standard:        sa.Standard,
			PriorityScore:   score,
			IssueCount:      len(issues),
			AvgSeverity:     math.Round(avg*100) / 100,
			HasMergedIssues: hasMerged,
			KeyPatterns:     sa.KeyPatterns,
			Recommendations: sa.Recommendations,
		})
	}

	sort.Slice(areas, func(a, b int) bool {
		return areas[a].PriorityScore > areas[b].PriorityScore
	})
	return areas
}
