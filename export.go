package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"criticalsys.net/entragov/internal/governance"
)

var csvHeader = []string{
	"GroupId", "DisplayName", "Category", "IsDynamic", "IsRoleAssignable", "SecurityEnabled", "MailEnabled",
	"OnPremSynced", "CreatedAt", "MemberCount", "OwnerCount", "GuestCount",
	"IsEmpty", "IsOrphaned", "IsOversized", "HasNoDescription", "IsDuplicateName", "DuplicateCount",
	"IsPrivileged", "PrivilegedReasons", "RoleNames",
	"LastActivityAt", "LastActivitySource", "DaysSinceActivity", "IsActive", "ActivityStatus", "RecommendedAction",
	"SampledMembers", "ActiveMembers", "InactiveMembers", "NeverSignedIn", "PercentActive",
	"Partial",
}

// optInt renders an optional count; absent stays an empty cell, never 0.
func optInt(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func optTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func csvRecord(r governance.SummaryRow) []string {
	g, c, gov, act := r.Group, r.Classification, r.Governance, r.Activity
	rec := []string{
		g.ID, g.DisplayName, string(c.Category), strconv.FormatBool(c.IsDynamic), strconv.FormatBool(c.IsRoleAssignable),
		strconv.FormatBool(g.SecurityEnabled), strconv.FormatBool(g.MailEnabled), strconv.FormatBool(g.OnPremSynced),
		optTime(&g.CreatedAt), optInt(g.MemberCount), optInt(g.OwnerCount), optInt(gov.GuestCount),
		strconv.FormatBool(gov.IsEmpty), strconv.FormatBool(gov.IsOrphaned), strconv.FormatBool(gov.IsOversized),
		strconv.FormatBool(gov.HasNoDescription), strconv.FormatBool(gov.IsDuplicateName), strconv.Itoa(gov.DuplicateCount),
		strconv.FormatBool(gov.IsPrivileged), strings.Join(gov.PrivilegedReasons, ";"), strings.Join(gov.RoleNames, ";"),
		optTime(act.LastActivityAt), string(act.LastActivitySource), optInt(act.DaysSinceActivity),
		strconv.FormatBool(act.IsActive), string(act.Status), act.RecommendedAction,
	}
	if m := act.Members; m != nil {
		rec = append(rec, strconv.Itoa(m.TotalMembers), strconv.Itoa(m.ActiveMembers), strconv.Itoa(m.InactiveMembers),
			strconv.Itoa(m.NeverSignedIn), strconv.FormatFloat(m.PercentActive, 'f', 2, 64))
	} else {
		rec = append(rec, "", "", "", "", "")
	}
	rec = append(rec, strings.Join(partialMarkers(r), ";"))
	return rec
}

func partialMarkers(r governance.SummaryRow) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{r.Group.Partial, r.Governance.Partial, r.Missing} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func writeCSV(path string, rows []governance.SummaryRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeCSVRows(file, rows); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

func writeCSVRows(out io.Writer, rows []governance.SummaryRow) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write(csvRecord(r)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// assessmentSummary is the JSON document written next to the CSV files.
type assessmentSummary struct {
	RunID       string                 `json:"runId,omitempty"`
	TenantID    string                 `json:"tenantId,omitempty"`
	FetchedAt   time.Time              `json:"fetchedAt"`
	EvaluatedAt time.Time              `json:"evaluatedAt"`
	Stats       governance.TenantStats `json:"stats"`
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// streamJsonToFile writes rows received on results as one JSON array.
func streamJsonToFile(wg *sync.WaitGroup, results <-chan governance.SummaryRow, path string, errc chan<- error) {
	defer wg.Done()

	file, err := os.Create(path)
	if err != nil {
		errc <- fmt.Errorf("failed to create %s: %w", path, err)
		for range results {
		}
		return
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	w.WriteString("[\n")
	first := true
	for row := range results {
		if !first {
			w.WriteString(",\n")
		}
		first = false
		if err := enc.Encode(row); err != nil {
			errc <- fmt.Errorf("failed to encode group %s: %w", row.Group.ID, err)
		}
	}
	w.WriteString("]\n")
	if err := w.Flush(); err != nil {
		errc <- fmt.Errorf("failed to write %s: %w", path, err)
	}
}

// outputPaths are the files one assessment writes.
type outputPaths struct {
	Groups     string
	Action     string
	Summary    string
	GroupsJSON string
}

func newOutputPaths(dir, base string) outputPaths {
	join := func(suffix string) string { return filepath.Join(dir, base+suffix) }
	return outputPaths{
		Groups:     join("_groups.csv"),
		Action:     join("_action.csv"),
		Summary:    join("_summary.json"),
		GroupsJSON: join("_groups.json"),
	}
}

// exportResults writes every output of an assessment.
func exportResults(paths outputPaths, snap governance.Snapshot, evaluatedAt time.Time, res governance.Result, logger *slog.Logger) error {
	if err := writeCSV(paths.Groups, res.Rows); err != nil {
		return err
	}
	if err := writeCSV(paths.Action, res.Action); err != nil {
		return err
	}
	if err := writeJSON(paths.Summary, assessmentSummary{
		RunID:       snap.RunID,
		TenantID:    snap.TenantID,
		FetchedAt:   snap.FetchedAt,
		EvaluatedAt: evaluatedAt,
		Stats:       res.Stats,
	}); err != nil {
		return err
	}

	rows := make(chan governance.SummaryRow, 100)
	errc := make(chan error, len(res.Rows)+2)
	var wg sync.WaitGroup
	wg.Add(1)
	go streamJsonToFile(&wg, rows, paths.GroupsJSON, errc)
	for _, r := range res.Rows {
		rows <- r
	}
	close(rows)
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		return err
	}

	logger.Info("Results written",
		"groups", paths.Groups,
		"action", paths.Action,
		"summary", paths.Summary,
		"json", paths.GroupsJSON)
	return nil
}
