package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ValidationReason string

const (
	ReasonAlreadyMerged       ValidationReason = "already_merged"
	ReasonInsufficientMembers ValidationReason = "insufficient_members"
	ReasonUnknownIssueID      ValidationReason = "unknown_issue_id"
)

// ValidationError rejects one merge group; other groups in the same proposal
// stay applicable.
type ValidationError struct {
	Reason ValidationReason
	IDs    []string
}

func (e *ValidationError) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("merge rejected (%s): %s", e.Reason, strings.Join(e.IDs, ", "))
	}
	return fmt.Sprintf("merge rejected (%s)", e.Reason)
}

// ApplyMerge merges the selected subset of a proposed group into one new
// merge group. A nil or empty selection means the full proposed group.
// Excluded members stay Active and remain eligible for later merges. The
// returned record is not yet persisted; the caller appends it to the record
// log.
func ApplyMerge(store *IssueStore, group ProposalGroup, selectedIDs []string) (*MergeRecord, error) {
	if len(selectedIDs) == 0 {
		selectedIDs = group.Issues
	}

	members := make(map[string]bool, len(group.Issues))
	for _, id := range group.Issues {
		members[id] = true
	}

	var unknown []string
	for _, id := range selectedIDs {
		if !members[id] {
			unknown = append(unknown, id)
			continue
		}
		if _, ok := store.Get(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{Reason: ReasonUnknownIssueID, IDs: unknown}
	}

	// Preserve the proposed group's order regardless of selection order.
	selected := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = true
	}
	var included, excluded []string
	for _, id := range group.Issues {
		if selected[id] {
			included = append(included, id)
		} else {
			excluded = append(excluded, id)
		}
	}

	if len(included) < 2 {
		return nil, &ValidationError{Reason: ReasonInsufficientMembers, IDs: included}
	}

	var alreadyMerged []string
	for _, id := range included {
		issue, _ := store.Get(id)
		if issue.Status != StatusActive {
			alreadyMerged = append(alreadyMerged, id)
		}
	}
	if len(alreadyMerged) > 0 {
		return nil, &ValidationError{Reason: ReasonAlreadyMerged, IDs: alreadyMerged}
	}

	now := time.Now().UTC()
	groupID := "grp-" + uuid.NewString()
	applyGroup(store, groupID, included, now)

	record := &MergeRecord{
		GroupID:     groupID,
		MergedIDs:   included,
		ExcludedIDs: excluded,
		Confidence:  group.Confidence,
		Rationale:   group.Rationale,
		Partial:     len(excluded) > 0,
		CreatedAt:   now,
	}
	if record.Partial {
		record.ExcludeReason = reviewerExcludeReason
	}
	log.Printf("merge applied group=%s members=%d excluded=%d confidence=%.2f", groupID, len(included), len(excluded), group.Confidence)
	return record, nil
}

// applyGroup creates the synthetic group row and re-statuses its
// constituents. Callers have already validated membership.
func applyGroup(store *IssueStore, groupID string, constituentIDs []string, createdAt time.Time) {
	constituents := make([]*Issue, 0, len(constituentIDs))
	for _, id := range constituentIDs {
		issue, _ := store.Get(id)
		constituents = append(constituents, issue)
	}

	group := &Issue{
		ID:           groupID,
		ResultID:     firstNonEmpty(constituents, func(i *Issue) string { return i.ResultID }),
		TestCaseIDs:  unionValues(constituents, func(i *Issue) []string { return i.TestCaseIDs }),
		Prompt:       attributedConcat(constituents, func(i *Issue) string { return i.Prompt }),
		GroundTruth:  firstNonEmpty(constituents, func(i *Issue) string { return i.GroundTruth }),
		Response:     firstNonEmpty(constituents, func(i *Issue) string { return i.Response }),
		Theme:        mostFrequent(constituents, func(i *Issue) string { return i.Theme }),
		Standard:     mostFrequent(constituents, func(i *Issue) string { return i.Standard }),
		SessionIDs:   unionValues(constituents, func(i *Issue) []string { return i.SessionIDs }),
		Version:      firstNonEmpty(constituents, func(i *Issue) string { return i.Version }),
		RunDate:      firstNonEmpty(constituents, func(i *Issue) string { return i.RunDate }),
		Rationale:    attributedConcat(constituents, func(i *Issue) string { return i.Rationale }),
		Score:        maxScore(constituents),
		Status:       StatusMergedGroup,
		GroupID:      groupID,
		Constituents: append([]string{}, constituentIDs...),
		CreatedAt:    createdAt,
	}
	store.AddGroup(group)

	for _, issue := range constituents {
		issue.Status = StatusMergedInto
		issue.GroupID = groupID
	}
}

// ReplayMergeRecords reapplies the persisted record log against a freshly
// loaded store. Records whose constituents are not all present and active
// are skipped with a warning; the log itself is never modified.
func ReplayMergeRecords(store *IssueStore, records []MergeRecord) int {
	applied := 0
	for _, record := range records {
		replayable := len(record.MergedIDs) >= 2
		for _, id := range record.MergedIDs {
			issue, ok := store.Get(id)
			if !ok || issue.Status != StatusActive {
				replayable = false
				break
			}
		}
		if _, taken := store.Get(record.GroupID); taken {
			replayable = false
		}
		if !replayable {
			log.Printf("merge replay skipped record=%d group=%s", record.ID, record.GroupID)
			continue
		}
		applyGroup(store, record.GroupID, record.MergedIDs, record.CreatedAt)
		applied++
	}
	return applied
}

// Aggregate-field policy: worst-case severity wins.
func maxScore(issues []*Issue) int {
	max := 0
	for _, issue := range issues {
		if issue.Score > max {
			max = issue.Score
		}
	}
	return max
}

// mostFrequent picks the most common value, breaking ties by first-seen
// order.
func mostFrequent(issues []*Issue, value func(*Issue) string) string {
	counts := make(map[string]int)
	var order []string
	for _, issue := range issues {
		v := value(issue)
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best := ""
	bestCount := 0
	for _, v := range order {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

// attributedConcat joins narrative fields, one line per source issue.
func attributedConcat(issues []*Issue, value func(*Issue) string) string {
	var lines []string
	for _, issue := range issues {
		v := strings.TrimSpace(value(issue))
		if v == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", issue.ID, v))
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(issues []*Issue, value func(*Issue) string) string {
	for _, issue := range issues {
		if v := strings.TrimSpace(value(issue)); v != "" {
			return v
		}
	}
	return ""
}

func unionValues(issues []*Issue, value func(*Issue) []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range issues {
		for _, v := range value(issue) {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
