package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func applyOK(t *testing.T, store *IssueStore, group ProposalGroup, selected []string) *MergeRecord {
	t.Helper()
	record, err := ApplyMerge(store, group, selected)
	if err != nil {
		t.Fatalf("ApplyMerge failed: %v", err)
	}
	return record
}

func validationReason(t *testing.T, err error) ValidationReason {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return vErr.Reason
}

func TestFullMergeLifecycle(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-A", "Std", "Theme", "pa", "ra", "1"),
		issueRow("QA-B", "Std", "Theme", "pb", "rb", "3"),
		issueRow("QA-C", "Std", "Theme", "pc", "rc", "2"),
	)
	group := ProposalGroup{Issues: []string{"QA-A", "QA-B", "QA-C"}, Confidence: 0.9, Rationale: "same cause"}

	record := applyOK(t, store, group, group.Issues)

	if record.Partial {
		t.Fatal("expected a full merge record")
	}
	if len(record.MergedIDs) != 3 {
		t.Fatalf("unexpected merged IDs: %v", record.MergedIDs)
	}
	if len(record.ExcludedIDs) != 0 {
		t.Fatalf("expected no exclusions, got %v", record.ExcludedIDs)
	}

	merged, ok := store.Get(record.GroupID)
	if !ok || !merged.IsGroup() {
		t.Fatalf("expected group row %s in store", record.GroupID)
	}
	if strings.Join(merged.Constituents, ",") != "QA-A,QA-B,QA-C" {
		t.Fatalf("unexpected constituents: %v", merged.Constituents)
	}
	for _, id := range group.Issues {
		issue, _ := store.Get(id)
		if issue.Status != StatusMergedInto || issue.GroupID != record.GroupID {
			t.Fatalf("expected %s to be MergedInto %s, got %s/%s", id, record.GroupID, issue.Status, issue.GroupID)
		}
	}

	// Re-applying the identical full selection must not create a duplicate.
	_, err := ApplyMerge(store, group, group.Issues)
	if reason := validationReason(t, err); reason != ReasonAlreadyMerged {
		t.Fatalf("expected already_merged on re-apply, got %s", reason)
	}
}

func TestApplyMergeEmptySelectionMeansFullGroup(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-A", "Std", "Theme", "pa", "ra", "1"),
		issueRow("QA-B", "Std", "Theme", "pb", "rb", "2"),
	)
	group := ProposalGroup{Issues: []string{"QA-A", "QA-B"}, Confidence: 0.9}

	record := applyOK(t, store, group, nil)
	if record.Partial {
		t.Fatal("expected a full merge record for an empty selection")
	}
	if strings.Join(record.MergedIDs, ",") != "QA-A,QA-B" {
		t.Fatalf("expected every proposed member merged, got %v", record.MergedIDs)
	}
	if len(record.ExcludedIDs) != 0 {
		t.Fatalf("expected no exclusions, got %v", record.ExcludedIDs)
	}
}

func TestSelectiveMergeLeavesExcludedActive(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-A", "Std", "Theme", "pa", "ra", "1"),
		issueRow("QA-B", "Std", "Theme", "pb", "rb", "2"),
		issueRow("QA-C", "Std", "Theme", "pc", "rc", "3"),
		issueRow("QA-D", "Std", "Theme", "pd", "rd", "1"),
	)
	group := ProposalGroup{Issues: []string{"QA-A", "QA-B", "QA-C"}, Confidence: 0.8}

	record := applyOK(t, store, group, []string{"QA-A", "QA-B"})

	if !record.Partial {
		t.Fatal("expected a partial merge record")
	}
	if record.ExcludeReason != reviewerExcludeReason {
		t.Fatalf("unexpected exclude reason: %q", record.ExcludeReason)
	}
	if len(record.ExcludedIDs) != 1 || record.ExcludedIDs[0] != "QA-C" {
		t.Fatalf("unexpected excluded IDs: %v", record.ExcludedIDs)
	}

	qaC, _ := store.Get("QA-C")
	if qaC.Status != StatusActive {
		t.Fatalf("excluded issue must stay Active, got %s", qaC.Status)
	}

	// The excluded member stays eligible for a later merge.
	later := ProposalGroup{Issues: []string{"QA-C", "QA-D"}, Confidence: 0.7}
	laterRecord := applyOK(t, store, later, later.Issues)
	if laterRecord.Partial {
		t.Fatal("expected later merge to be full")
	}
	if qaC.Status != StatusMergedInto {
		t.Fatalf("expected QA-C merged later, got %s", qaC.Status)
	}
}

func TestMergeSelectionOrderFollowsProposal(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-A", "Std", "Theme", "pa", "ra", "1"),
		issueRow("QA-B", "Std", "Theme", "pb", "rb", "2"),
	)
	group := ProposalGroup{Issues: []string{"QA-A", "QA-B"}, Confidence: 0.9}

	record := applyOK(t, store, group, []string{"QA-B", "QA-A"})
	if strings.Join(record.MergedIDs, ",") != "QA-A,QA-B" {
		t.Fatalf("expected proposal order to win, got %v", record.MergedIDs)
	}
}

func TestMergeValidationFailures(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-A", "Std", "Theme", "pa", "ra", "1"),
		issueRow("QA-B", "Std", "Theme", "pb", "rb", "2"),
	)
	group := ProposalGroup{Issues: []string{"QA-A", "QA-B"}, Confidence: 0.9}

	_, err := ApplyMerge(store, group, []string{"QA-A"})
	if reason := validationReason(t, err); reason != ReasonInsufficientMembers {
		t.Fatalf("expected insufficient_members, got %s", reason)
	}

	_, err = ApplyMerge(store, group, []string{"QA-A", "QA-X"})
	if reason := validationReason(t, err); reason != ReasonUnknownIssueID {
		t.Fatalf("expected unknown_issue_id, got %s", reason)
	}
	var vErr *ValidationError
	errors.As(err, &vErr)
	if len(vErr.IDs) != 1 || vErr.IDs[0] != "QA-X" {
		t.Fatalf("expected offending id QA-X, got %v", vErr.IDs)
	}

	// A validation failure must not mutate anything.
	counts := store.Counts()
	if counts.MergedGroups != 0 || counts.Active != 2 {
		t.Fatalf("rejected merge mutated the store: %+v", counts)
	}
}

func TestAggregateFieldPolicy(t *testing.T) {
	rows := [][]string{
		issueRow("QA-1", "Std A", "Theme X", "prompt one", "first rationale", "1"),
		issueRow("QA-2", "Std A", "Theme Y", "prompt two", "second rationale", "3"),
		issueRow("QA-3", "Std B", "Theme X", "prompt three", "third rationale", "2"),
	}
	// Distinct session IDs to exercise the union.
	rows[0][8] = "S-1,S-2"
	rows[1][8] = "S-2,S-3"
	rows[2][8] = "S-3"
	store := loadTestStore(t, rows...)

	group := ProposalGroup{Issues: []string{"QA-1", "QA-2", "QA-3"}, Confidence: 0.9}
	record := applyOK(t, store, group, group.Issues)
	merged, _ := store.Get(record.GroupID)

	if merged.Score != 3 {
		t.Fatalf("expected max score 3, got %d", merged.Score)
	}
	if merged.Standard != "Std A" {
		t.Fatalf("expected most frequent standard Std A, got %q", merged.Standard)
	}
	if merged.Theme != "Theme X" {
		t.Fatalf("expected most frequent theme, got %q", merged.Theme)
	}
	wantRationale := "[QA-1] first rationale\n[QA-2] second rationale\n[QA-3] third rationale"
	if merged.Rationale != wantRationale {
		t.Fatalf("unexpected combined rationale:\n%s", merged.Rationale)
	}
	if !strings.Contains(merged.Prompt, "[QA-2] prompt two") {
		t.Fatalf("expected attributed prompt concat, got %q", merged.Prompt)
	}
	if strings.Join(merged.SessionIDs, ",") != "S-1,S-2,S-3" {
		t.Fatalf("expected session union, got %v", merged.SessionIDs)
	}
	if merged.GroundTruth != "expected answer" {
		t.Fatalf("expected first non-empty ground truth, got %q", merged.GroundTruth)
	}
}

func TestMostFrequentTieBreaksFirstSeen(t *testing.T) {
	store := loadTestStore(t,
		issueRow("QA-1", "Std A", "Theme", "p", "r", "1"),
		issueRow("QA-2", "Std B", "Theme", "p", "r", "1"),
	)
	group := ProposalGroup{Issues: []string{"QA-1", "QA-2"}, Confidence: 0.9}
	record := applyOK(t, store, group, group.Issues)
	merged, _ := store.Get(record.GroupID)

	if merged.Standard != "Std A" {
		t.Fatalf("expected first-seen tie-break Std A, got %q", merged.Standard)
	}
}

func TestEndToEndReviewScenario(t *testing.T) {
	// Five issues; the advisor proposes {1,2,3} at 0.9 and {4,5} at 0.6.
	// The reviewer accepts the first fully and rejects the second.
	store := loadTestStore(t,
		issueRow("1", "Std", "Theme", "p1", "r1", "1"),
		issueRow("2", "Std", "Theme", "p2", "r2", "2"),
		issueRow("3", "Std", "Theme", "p3", "r3", "3"),
		issueRow("4", "Std", "Theme", "p4", "r4", "1"),
		issueRow("5", "Std", "Theme", "p5", "r5", "2"),
	)
	proposal := &MergeProposal{
		Groups: []ProposalGroup{
			{Issues: []string{"1", "2", "3"}, Confidence: 0.9, Rationale: "same cause"},
			{Issues: []string{"4", "5"}, Confidence: 0.6, Rationale: "weak overlap"},
		},
		Validity: ProposalValid,
	}

	record := applyOK(t, store, proposal.Groups[0], proposal.Groups[0].Issues)

	if record.Partial {
		t.Fatal("expected a full merge record")
	}
	merged, _ := store.Get(record.GroupID)
	if strings.Join(merged.Constituents, ",") != "1,2,3" {
		t.Fatalf("unexpected constituents: %v", merged.Constituents)
	}
	for _, id := range []string{"4", "5"} {
		issue, _ := store.Get(id)
		if issue.Status != StatusActive {
			t.Fatalf("expected issue %s to remain Active, got %s", id, issue.Status)
		}
	}
	counts := store.Counts()
	if counts.Active != 3 {
		t.Fatalf("expected activeCount 3 (group + 4 + 5), got %d", counts.Active)
	}
	if counts.MergedGroups != 1 {
		t.Fatalf("expected exactly 1 merge group, got %d", counts.MergedGroups)
	}
}

func TestReplayMergeRecords(t *testing.T) {
	freshRows := [][]string{
		issueRow("QA-1", "Std", "Theme", "p1", "r1", "1"),
		issueRow("QA-2", "Std", "Theme", "p2", "r2", "3"),
		issueRow("QA-3", "Std", "Theme", "p3", "r3", "2"),
	}
	store := loadTestStore(t, freshRows...)
	now := time.Now().UTC().Truncate(time.Second)

	records := []MergeRecord{
		{ID: 1, GroupID: "grp-one", MergedIDs: []string{"QA-1", "QA-2"}, Confidence: 0.9, CreatedAt: now},
		// References an issue missing from this CSV: skipped.
		{ID: 2, GroupID: "grp-two", MergedIDs: []string{"QA-9", "QA-3"}, Confidence: 0.8, CreatedAt: now},
		// References an already-consumed constituent: skipped.
		{ID: 3, GroupID: "grp-three", MergedIDs: []string{"QA-2", "QA-3"}, Confidence: 0.8, CreatedAt: now},
	}

	applied := ReplayMergeRecords(store, records)
	if applied != 1 {
		t.Fatalf("expected exactly 1 replayed merge, got %d", applied)
	}

	merged, ok := store.Get("grp-one")
	if !ok || !merged.IsGroup() {
		t.Fatal("expected replayed group grp-one")
	}
	if merged.CreatedAt != now {
		t.Fatalf("expected replay to keep the recorded timestamp, got %v", merged.CreatedAt)
	}
	qa3, _ := store.Get("QA-3")
	if qa3.Status != StatusActive {
		t.Fatalf("expected QA-3 untouched by skipped records, got %s", qa3.Status)
	}

	// Replaying the same log twice is a no-op: the group id is taken.
	if again := ReplayMergeRecords(store, records); again != 0 {
		t.Fatalf("expected idempotent replay, applied %d", again)
	}
}
