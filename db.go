package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS merge_cache (
		signature  TEXT PRIMARY KEY,
		proposal   TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS merge_records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id       TEXT NOT NULL,
		merged_ids     TEXT NOT NULL,
		excluded_ids   TEXT DEFAULT '',
		exclude_reason TEXT DEFAULT '',
		confidence     REAL NOT NULL,
		rationale      TEXT DEFAULT '',
		partial        INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_merge_records_created ON merge_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_merge_records_group ON merge_records(group_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// --- Merge record log (append-only) ---

func InsertMergeRecord(db *sql.DB, r *MergeRecord) (int64, error) {
	partial := 0
	if r.Partial {
		partial = 1
	}
	res, err := db.Exec(
		`INSERT INTO merge_records (group_id, merged_ids, excluded_ids, exclude_reason, confidence, rationale, partial, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GroupID, strings.Join(r.MergedIDs, ","), strings.Join(r.ExcludedIDs, ","),
		r.ExcludeReason, r.Confidence, r.Rationale, partial, r.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetMergeRecords(db *sql.DB) ([]MergeRecord, error) {
	rows, err := db.Query(
		`SELECT id, group_id, merged_ids, excluded_ids, exclude_reason, confidence, rationale, partial, created_at
		 FROM merge_records ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MergeRecord
	for rows.Next() {
		var r MergeRecord
		var merged, excluded string
		var partial int
		if err := rows.Scan(
			&r.ID, &r.GroupID, &merged, &excluded, &r.ExcludeReason,
			&r.Confidence, &r.Rationale, &partial, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.MergedIDs = splitIDList(merged)
		r.ExcludedIDs = splitIDList(excluded)
		r.Partial = partial != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

type RecordStats struct {
	TotalMerges   int
	FullMerges    int
	PartialMerges int
	AvgConfidence float64
	LastMergeAt   time.Time
}

func GetRecordStats(db *sql.DB) (RecordStats, error) {
	var s RecordStats
	// MAX() loses the column decltype, so the driver returns the raw string
	// instead of a time.Time; parse it ourselves.
	var last sql.NullString
	err := db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN partial = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN partial = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(confidence), 0),
		        MAX(created_at)
		 FROM merge_records`,
	).Scan(&s.TotalMerges, &s.FullMerges, &s.PartialMerges, &s.AvgConfidence, &last)
	if err == nil && last.Valid {
		s.LastMergeAt, err = parseSQLiteTime(last.String)
	}
	return s, err
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseSQLiteTime(raw string) (time.Time, error) {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized sqlite timestamp %q", raw)
}
