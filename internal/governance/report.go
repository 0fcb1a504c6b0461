package governance

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Usage report column names used to join rows to groups.
const (
	reportColumnGroupID     = "Group Id"
	reportColumnDisplayName = "Group Display Name"
	reportColumnIsDeleted   = "Is Deleted"
	lastActivitySuffix      = "last activity date"
)

var reportDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"1/2/2006",
	"1/2/2006 3:04:05 PM",
}

// ParseReportDate parses a date cell from the usage export.
func ParseReportDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range reportDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ReportParseResult is the outcome of reading a usage export.
type ReportParseResult struct {
	Signals []ActivitySignal
	// Dropped counts date cells that could not be parsed.
	Dropped int
	// Unmatched counts rows that could not be joined to a group.
	Unmatched int
}

// ParseUsageReport reads the Office 365 groups activity export and emits one
// report-export signal per parseable "... Last Activity Date" cell. Rows join
// on Group Id when the column is present and fall back to a unique display
// name. Deleted groups are skipped.
func ParseUsageReport(r io.Reader, groups []GroupRecord) (ReportParseResult, error) {
	var res ReportParseResult

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to read report header: %w", err)
	}

	cols := map[string]int{}
	var dateCols []int
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		header[i] = h
		cols[h] = i
		if strings.HasSuffix(strings.ToLower(h), lastActivitySuffix) {
			dateCols = append(dateCols, i)
		}
	}

	byID := make(map[string]bool, len(groups))
	byName := make(map[string][]string, len(groups))
	for _, g := range groups {
		byID[g.ID] = true
		byName[nameKey(g.DisplayName)] = append(byName[nameKey(g.DisplayName)], g.ID)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read report row: %w", err)
		}
		if strings.EqualFold(cell(rec, cols, reportColumnIsDeleted), "true") {
			continue
		}

		groupID := cell(rec, cols, reportColumnGroupID)
		if !byID[groupID] {
			ids := byName[nameKey(cell(rec, cols, reportColumnDisplayName))]
			if len(ids) != 1 {
				res.Unmatched++
				continue
			}
			groupID = ids[0]
		}

		for _, i := range dateCols {
			if i >= len(rec) || strings.TrimSpace(rec[i]) == "" {
				continue
			}
			at, err := ParseReportDate(rec[i])
			if err != nil {
				res.Dropped++
				continue
			}
			res.Signals = append(res.Signals, ActivitySignal{
				GroupID: groupID,
				Source:  SourceReportExport,
				Field:   header[i],
				At:      at,
			})
		}
	}
	return res, nil
}

func cell(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
