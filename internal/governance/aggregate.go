package governance

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SummaryRow joins a group with all of its derived facts.
type SummaryRow struct {
	Group          GroupRecord     `json:"group"`
	Classification Classification  `json:"classification"`
	Governance     GovernanceFacts `json:"governance"`
	Activity       ActivityFacts   `json:"activity"`
	// Missing lists fact sets that were not computed for this group.
	Missing []string `json:"missing,omitempty"`
}

// Fact set names used in SummaryRow.Missing.
const (
	FactsClassification = "classification"
	FactsGovernance     = "governance"
	FactsActivity       = "activity"
)

// FlagCounts counts groups per governance flag.
type FlagCounts struct {
	Empty         int `json:"empty"`
	Orphaned      int `json:"orphaned"`
	Oversized     int `json:"oversized"`
	NoDescription int `json:"noDescription"`
	DuplicateName int `json:"duplicateName"`
	WithGuests    int `json:"withGuests"`
	Privileged    int `json:"privileged"`
	Dynamic       int `json:"dynamic"`
	OnPremSynced  int `json:"onPremSynced"`
	Partial       int `json:"partial"`
}

// TenantStats is the tenant-wide aggregate of one assessment.
type TenantStats struct {
	Total              int                        `json:"total"`
	ByCategory         map[Category]int           `json:"byCategory"`
	CategoryPercent    map[Category]float64       `json:"categoryPercent"`
	ByStatus           map[ActivityStatus]int     `json:"byStatus"`
	StatusPercent      map[ActivityStatus]float64 `json:"statusPercent"`
	Flags              FlagCounts                 `json:"flags"`
	RequiringAction    int                        `json:"requiringAction"`
	InactiveDays       int                        `json:"inactiveDays"`
	MemberSampledCount int                        `json:"memberSampledCount"`
}

// Aggregate joins the per-group facts by group id and folds them into tenant
// stats. Every group produces a row, even when some facts are absent.
func Aggregate(
	groups []GroupRecord,
	classifications map[string]Classification,
	governance map[string]GovernanceFacts,
	activity map[string]ActivityFacts,
) ([]SummaryRow, TenantStats) {
	rows := make([]SummaryRow, 0, len(groups))
	for _, g := range groups {
		row := SummaryRow{Group: g}
		if c, ok := classifications[g.ID]; ok {
			row.Classification = c
		} else {
			row.Classification = ClassifyGroup(g)
			row.Missing = append(row.Missing, FactsClassification)
		}
		if f, ok := governance[g.ID]; ok {
			row.Governance = f
		} else {
			row.Missing = append(row.Missing, FactsGovernance)
		}
		if a, ok := activity[g.ID]; ok {
			row.Activity = a
		} else {
			row.Activity = ActivityFacts{Status: StatusNoSignal}
			row.Missing = append(row.Missing, FactsActivity)
		}
		rows = append(rows, row)
	}
	return rows, Stats(rows)
}

// Stats folds summary rows into tenant-wide counts in a single pass.
func Stats(rows []SummaryRow) TenantStats {
	s := TenantStats{
		Total:           len(rows),
		ByCategory:      make(map[Category]int, len(Categories)),
		CategoryPercent: make(map[Category]float64, len(Categories)),
		ByStatus:        make(map[ActivityStatus]int, len(ActivityStatuses)),
		StatusPercent:   make(map[ActivityStatus]float64, len(ActivityStatuses)),
	}
	for _, c := range Categories {
		s.ByCategory[c] = 0
	}
	for _, st := range ActivityStatuses {
		s.ByStatus[st] = 0
	}

	for _, r := range rows {
		s.ByCategory[r.Classification.Category]++
		s.ByStatus[r.Activity.Status]++

		gov := r.Governance
		if gov.IsEmpty {
			s.Flags.Empty++
		}
		if gov.IsOrphaned {
			s.Flags.Orphaned++
		}
		if gov.IsOversized {
			s.Flags.Oversized++
		}
		if gov.HasNoDescription {
			s.Flags.NoDescription++
		}
		if gov.IsDuplicateName {
			s.Flags.DuplicateName++
		}
		if gov.GuestCount != nil && *gov.GuestCount > 0 {
			s.Flags.WithGuests++
		}
		if gov.IsPrivileged {
			s.Flags.Privileged++
		}
		if r.Classification.IsDynamic {
			s.Flags.Dynamic++
		}
		if r.Group.OnPremSynced {
			s.Flags.OnPremSynced++
		}
		if len(r.Group.Partial) > 0 || len(gov.Partial) > 0 || len(r.Missing) > 0 {
			s.Flags.Partial++
		}
		if r.Activity.RecommendedAction != "" {
			s.RequiringAction++
		}
		if r.Activity.Members != nil {
			s.MemberSampledCount++
		}
	}

	for c, n := range s.ByCategory {
		s.CategoryPercent[c] = Percent(n, s.Total)
	}
	for st, n := range s.ByStatus {
		s.StatusPercent[st] = Percent(n, s.Total)
	}
	return s
}

// RequiringAction returns the rows with a recommended action, sorted by days
// since activity descending with undefined last.
func RequiringAction(rows []SummaryRow) []SummaryRow {
	var out []SummaryRow
	for _, r := range rows {
		if r.Activity.RecommendedAction != "" {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := compareDaysDesc(a.Activity.DaysSinceActivity, b.Activity.DaysSinceActivity, false); c != 0 {
			return c < 0
		}
		if a.Group.DisplayName != b.Group.DisplayName {
			return a.Group.DisplayName < b.Group.DisplayName
		}
		return a.Group.ID < b.Group.ID
	})
	return out
}

var hundred = decimal.NewFromInt(100)

// Percent returns count/total*100 rounded to two decimals, or 0 when total
// is not positive.
func Percent(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(count)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).
		Round(2).
		InexactFloat64()
}
