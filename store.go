package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var requiredColumns = []string{
	"Issue ID",
	"Result ID",
	"Test Case IDs",
	"Input Prompt",
	"Ground Truth",
	"Generated Response",
	"Linked Theme",
	"Linked Standard",
	"Session IDs",
	"Version Tested",
	"Run Date",
	"Failure Rationale",
	"Final Weighted Score (1-3)",
}

const (
	colStatus  = "Status"
	colGroupID = "Group ID"
)

type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
}

// IssueStore owns all issue and merge-group rows for one session. Source rows
// keep upload order; synthetic group rows are appended as merges are applied.
type IssueStore struct {
	issues []*Issue
	byID   map[string]*Issue
}

func NewIssueStore() *IssueStore {
	return &IssueStore{byID: make(map[string]*Issue)}
}

func LoadIssues(r io.Reader) (*IssueStore, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}

	store := NewIssueStore()
	rowNum := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row %d: %w", rowNum+1, err)
		}
		rowNum++

		field := func(col string) string {
			idx, ok := colIndex[col]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		score, err := parseScore(field("Final Weighted Score (1-3)"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNum, err)
		}

		issue := &Issue{
			ID:          field("Issue ID"),
			ResultID:    field("Result ID"),
			TestCaseIDs: splitIDList(field("Test Case IDs")),
			Prompt:      field("Input Prompt"),
			GroundTruth: field("Ground Truth"),
			Response:    field("Generated Response"),
			Theme:       field("Linked Theme"),
			Standard:    field("Linked Standard"),
			SessionIDs:  splitIDList(field("Session IDs")),
			Version:     field("Version Tested"),
			RunDate:     field("Run Date"),
			Rationale:   field("Failure Rationale"),
			Score:       score,
			Status:      StatusActive,
		}
		if issue.ID == "" {
			return nil, fmt.Errorf("row %d: empty Issue ID", rowNum)
		}
		if _, dup := store.byID[issue.ID]; dup {
			return nil, fmt.Errorf("row %d: duplicate Issue ID %q", rowNum, issue.ID)
		}

		// A previously exported CSV carries Status and Group ID columns.
		switch field(colStatus) {
		case "", "Open", string(StatusActive):
			issue.Status = StatusActive
		case string(StatusMergedInto):
			issue.Status = StatusMergedInto
			issue.GroupID = field(colGroupID)
			if issue.GroupID == "" {
				return nil, fmt.Errorf("row %d: MergedInto issue %s has no Group ID", rowNum, issue.ID)
			}
		case string(StatusMergedGroup):
			issue.Status = StatusMergedGroup
			issue.GroupID = issue.ID
		default:
			return nil, fmt.Errorf("row %d: unknown Status %q", rowNum, field(colStatus))
		}

		store.issues = append(store.issues, issue)
		store.byID[issue.ID] = issue
	}

	// Rebuild group constituent lists from MergedInto rows, in file order.
	for _, issue := range store.issues {
		if issue.Status != StatusMergedInto {
			continue
		}
		group, ok := store.byID[issue.GroupID]
		if !ok || !group.IsGroup() {
			return nil, fmt.Errorf("issue %s references missing merge group %s", issue.ID, issue.GroupID)
		}
		group.Constituents = append(group.Constituents, issue.ID)
	}
	for _, issue := range store.issues {
		if issue.IsGroup() && len(issue.Constituents) < 2 {
			return nil, fmt.Errorf("merge group %s has %d constituents, need at least 2", issue.ID, len(issue.Constituents))
		}
	}

	return store, nil
}

func parseScore(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty Final Weighted Score")
	}
	// Scores sometimes arrive as "3.0" from spreadsheet exports.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Final Weighted Score %q", raw)
	}
	score := int(f)
	if float64(score) != f || score < 1 || score > 3 {
		return 0, fmt.Errorf("Final Weighted Score %q out of range 1-3", raw)
	}
	return score, nil
}

func splitIDList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *IssueStore) Get(id string) (*Issue, bool) {
	issue, ok := s.byID[id]
	return issue, ok
}

func (s *IssueStore) All() []*Issue {
	return s.issues
}

// AddGroup appends a synthetic merge-group row.
func (s *IssueStore) AddGroup(group *Issue) {
	s.issues = append(s.issues, group)
	s.byID[group.ID] = group
}

// isAnalysisVisible is the analysis-scope rule: merged constituents are
// excluded so they are never double-counted alongside their group.
func isAnalysisVisible(status IssueStatus) bool {
	return status == StatusActive || status == StatusMergedGroup
}

// ActiveIssues returns Active and MergedGroup rows, never MergedInto rows.
func (s *IssueStore) ActiveIssues() []*Issue {
	var out []*Issue
	for _, issue := range s.issues {
		if isAnalysisVisible(issue.Status) {
			out = append(out, issue)
		}
	}
	return out
}

// MergeCandidates returns standalone Active rows, the only ones eligible for
// a new merge.
func (s *IssueStore) MergeCandidates() []*Issue {
	var out []*Issue
	for _, issue := range s.issues {
		if issue.Status == StatusActive {
			out = append(out, issue)
		}
	}
	return out
}

func (s *IssueStore) Counts() CountSummary {
	var c CountSummary
	for _, issue := range s.issues {
		c.Total++
		switch issue.Status {
		case StatusActive:
			c.Active++
			c.Unmerged++
		case StatusMergedGroup:
			c.Active++
			c.MergedGroups++
		case StatusMergedInto:
			c.MergedConstituents++
		}
	}
	return c
}

// Standards returns the distinct linked standards of merge candidates, in
// first-seen order.
func (s *IssueStore) Standards() []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range s.MergeCandidates() {
		if !seen[issue.Standard] {
			seen[issue.Standard] = true
			out = append(out, issue.Standard)
		}
	}
	return out
}

func (s *IssueStore) ExportCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	header := append(append([]string{}, requiredColumns...), colStatus, colGroupID)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, issue := range s.issues {
		groupID := ""
		if issue.Status == StatusMergedInto || issue.IsGroup() {
			groupID = issue.GroupID
		}
		record := []string{
			issue.ID,
			issue.ResultID,
			strings.Join(issue.TestCaseIDs, ","),
			issue.Prompt,
			issue.GroundTruth,
			issue.Response,
			issue.Theme,
			issue.Standard,
			strings.Join(issue.SessionIDs, ","),
			issue.Version,
			issue.RunDate,
			issue.Rationale,
			strconv.Itoa(issue.Score),
			string(issue.Status),
			groupID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type StandardStat struct {
	Standard string  `json:"standard"`
	Count    int     `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// StandardDistribution aggregates active issues per linked standard, sorted
// by count descending then name.
func (s *IssueStore) StandardDistribution() []StandardStat {
	return distribution(s.ActiveIssues(), func(i *Issue) string { return i.Standard })
}

// ThemeDistribution aggregates active issues per linked theme.
func (s *IssueStore) ThemeDistribution() []StandardStat {
	return distribution(s.ActiveIssues(), func(i *Issue) string { return i.Theme })
}

func distribution(issues []*Issue, key func(*Issue) string) []StandardStat {
	counts := make(map[string]int)
	sums := make(map[string]int)
	for _, issue := range issues {
		k := key(issue)
		counts[k]++
		sums[k] += issue.Score
	}
	out := make([]StandardStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, StandardStat{
			Standard: k,
			Count:    n,
			AvgScore: float64(sums[k]) / float64(n),
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Standard < out[b].Standard
	})
	return out
}

// Session holds all mutable per-upload state. It is created on upload,
// discarded on the next upload, and never shared across users. Group indexes
// into the proposal stay stable for its whole lifetime; applied groups are
// tracked here rather than removed.
type Session struct {
	Store     *IssueStore
	Proposal  *MergeProposal
	Applied   map[int]bool
	CreatedAt time.Time
}
