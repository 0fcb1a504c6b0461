package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateKeepsGroupsWithoutFacts(t *testing.T) {
	groups := []GroupRecord{
		{ID: "a", DisplayName: "Alpha", SecurityEnabled: true, MemberCount: intPtr(3), OwnerCount: intPtr(1)},
		{ID: "b", DisplayName: "Beta", GroupTypes: []string{"Unified"}},
	}
	idx := NewSnapshotIndex(groups, nil)
	cls := map[string]Classification{"a": ClassifyGroup(groups[0])}
	gov := map[string]GovernanceFacts{"a": AnalyzeGovernance(groups[0], idx)}
	act := map[string]ActivityFacts{"a": AnalyzeActivity(groups[0], []ActivitySignal{{At: daysAgo(1)}}, 90, testNow)}

	rows, stats := Aggregate(groups, cls, gov, act)
	require.Len(t, rows, 2)

	assert.Empty(t, rows[0].Missing)
	assert.Equal(t, []string{FactsClassification, FactsGovernance, FactsActivity}, rows[1].Missing)
	assert.Equal(t, CategoryM365, rows[1].Classification.Category)
	assert.Nil(t, rows[1].Group.MemberCount)
	assert.Equal(t, StatusNoSignal, rows[1].Activity.Status)
	assert.False(t, rows[1].Activity.IsActive)

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByCategory[CategorySecurity])
	assert.Equal(t, 1, stats.ByCategory[CategoryM365])
	assert.Equal(t, 0, stats.ByCategory[CategoryDistribution])
	assert.Equal(t, 50.0, stats.StatusPercent[StatusActive])
	assert.Equal(t, 1, stats.Flags.Partial)
}

func TestStatsCountsFlags(t *testing.T) {
	guests := 2
	rows := []SummaryRow{
		{
			Group:          GroupRecord{ID: "a", OnPremSynced: true},
			Classification: Classification{Category: CategorySecurity, IsDynamic: true},
			Governance:     GovernanceFacts{IsEmpty: true, IsOrphaned: true, HasNoDescription: true, IsPrivileged: true, GuestCount: &guests},
			Activity:       ActivityFacts{Status: StatusInactive, RecommendedAction: ActionDeleteEmpty},
		},
		{
			Group:          GroupRecord{ID: "b"},
			Classification: Classification{Category: CategoryDistribution},
			Governance:     GovernanceFacts{IsOversized: true, IsDuplicateName: true, DuplicateCount: 2},
			Activity:       ActivityFacts{Status: StatusActive, IsActive: true},
		},
		{
			Group:          GroupRecord{ID: "c"},
			Classification: Classification{Category: CategoryDistribution},
			Governance:     GovernanceFacts{IsDuplicateName: true, DuplicateCount: 2},
			Activity:       ActivityFacts{Status: StatusNoSignal, RecommendedAction: ActionReviewArchival},
		},
	}
	s := Stats(rows)
	assert.Equal(t, FlagCounts{
		Empty:         1,
		Orphaned:      1,
		Oversized:     1,
		NoDescription: 1,
		DuplicateName: 2,
		WithGuests:    1,
		Privileged:    1,
		Dynamic:       1,
		OnPremSynced:  1,
	}, s.Flags)
	assert.Equal(t, 2, s.RequiringAction)
	assert.Equal(t, 66.67, s.CategoryPercent[CategoryDistribution])
	assert.Equal(t, 33.33, s.StatusPercent[StatusNoSignal])
}

func TestStatsEmptyTenant(t *testing.T) {
	s := Stats(nil)
	assert.Equal(t, 0, s.Total)
	for _, c := range Categories {
		assert.Equal(t, 0.0, s.CategoryPercent[c])
	}
	for _, st := range ActivityStatuses {
		assert.Equal(t, 0.0, s.StatusPercent[st])
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(5, 0))
	assert.Equal(t, 0.0, Percent(0, -1))
	assert.Equal(t, 100.0, Percent(4, 4))
	assert.Equal(t, 12.5, Percent(1, 8))
	assert.Equal(t, 14.29, Percent(1, 7))
}

func TestRequiringActionSortOrder(t *testing.T) {
	row := func(id, name string, days *int, action string) SummaryRow {
		return SummaryRow{
			Group:    GroupRecord{ID: id, DisplayName: name},
			Activity: ActivityFacts{DaysSinceActivity: days, RecommendedAction: action},
		}
	}
	rows := []SummaryRow{
		row("1", "No Signal", nil, ActionDeleteEmpty),
		row("2", "Old", intPtr(400), ActionReviewMembers),
		row("3", "Active", intPtr(1), ""),
		row("4", "Older", intPtr(800), ActionReviewArchival),
		row("5", "Also Old", intPtr(400), ActionReviewMembers),
	}
	got := RequiringAction(rows)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.Group.ID)
	}
	assert.Equal(t, []string{"4", "5", "2", "1"}, ids)
}
