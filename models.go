package main

import "time"

type IssueStatus string

const (
	StatusActive      IssueStatus = "Active"
	StatusMergedInto  IssueStatus = "MergedInto"
	StatusMergedGroup IssueStatus = "MergedGroup"
)

type Issue struct {
	ID          string
	ResultID    string
	TestCaseIDs []string
	Prompt      string
	GroundTruth string
	Response    string
	Theme       string
	Standard    string
	SessionIDs  []string
	Version     string
	RunDate     string
	Rationale   string
	Score       int // weighted score, 1-3

	Status  IssueStatus
	GroupID string // parent group for MergedInto rows, own ID for MergedGroup rows

	// Set on MergedGroup rows only.
	Constituents []string // issue IDs in merge order
	CreatedAt    time.Time
}

// IsGroup reports whether the issue is a synthetic merge-group row.
func (i *Issue) IsGroup() bool {
	return i.Status == StatusMergedGroup
}

type ProposalGroup struct {
	Issues     []string `json:"issues"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

type ProposalValidity string

const (
	ProposalValid       ProposalValidity = "valid"
	ProposalPartial     ProposalValidity = "partially_valid"
	ProposalUnparseable ProposalValidity = "unparseable"
)

type MergeProposal struct {
	Groups        []ProposalGroup  `json:"groups"`
	Validity      ProposalValidity `json:"validity"`
	DroppedGroups int              `json:"dropped_groups"`
}

// Empty reports a valid "no merges suggested" result.
func (p *MergeProposal) Empty() bool {
	return len(p.Groups) == 0
}

type MergeRecord struct {
	ID            int64
	GroupID       string
	MergedIDs     []string // constituents actually included
	ExcludedIDs   []string // proposed members deselected by the reviewer
	ExcludeReason string
	Confidence    float64
	Rationale     string
	Partial       bool
	CreatedAt     time.Time
}

const reviewerExcludeReason = "excluded by reviewer"

type CountSummary struct {
	Total              int `json:"total"`
	Active             int `json:"active"`
	MergedGroups       int `json:"merged_groups"`
	MergedConstituents int `json:"merged_constituents"`
	Unmerged           int `json:"unmerged"`
}
