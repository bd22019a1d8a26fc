package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Signature fingerprints an issue set by content, independent of row order.
// Re-uploading identical data, in any order, produces the same signature.
func Signature(issues []*Issue) string {
	lines := make([]string, 0, len(issues))
	for _, issue := range issues {
		lines = append(lines, issue.ID+"|"+contentFingerprint(issue))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%x", sum)
}

func contentFingerprint(issue *Issue) string {
	h := sha256.New()
	for _, field := range []string{
		issue.ResultID,
		issue.Prompt,
		issue.GroundTruth,
		issue.Response,
		issue.Theme,
		issue.Standard,
		issue.Rationale,
		issue.Version,
		fmt.Sprintf("%d", issue.Score),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func CacheGet(db *sql.DB, signature string) (*MergeProposal, bool, error) {
	var raw string
	err := db.QueryRow(`SELECT proposal FROM merge_cache WHERE signature = ?`, signature).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var proposal MergeProposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return nil, false, fmt.Errorf("decoding cached proposal: %w", err)
	}
	return &proposal, true, nil
}

func CachePut(db *sql.DB, signature string, proposal *MergeProposal) error {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO merge_cache (signature, proposal) VALUES (?, ?)
		 ON CONFLICT(signature) DO UPDATE SET proposal = excluded.proposal, created_at = CURRENT_TIMESTAMP`,
		signature, string(raw),
	)
	return err
}

func CacheClear(db *sql.DB) error {
	_, err := db.Exec(`DELETE FROM merge_cache`)
	return err
}
