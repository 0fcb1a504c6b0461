package governance

import (
	"sort"
	"time"
)

const day = 24 * time.Hour

// AnalyzeActivity reduces the signals of one group to its activity facts.
// Signals belonging to other groups are ignored. The renewal date on the
// record counts as a signal of its own.
func AnalyzeActivity(g GroupRecord, signals []ActivitySignal, inactiveDays int, now time.Time) ActivityFacts {
	var (
		latest time.Time
		source SignalSource
		found  bool
	)
	consider := func(at time.Time, src SignalSource) {
		if at.IsZero() {
			return
		}
		if !found || at.After(latest) {
			latest, source, found = at, src, true
		}
	}

	if g.LastRenewedAt != nil {
		consider(*g.LastRenewedAt, SourceRenewal)
	}
	for _, s := range signals {
		if s.GroupID != "" && s.GroupID != g.ID {
			continue
		}
		consider(s.At, s.Source)
	}

	if !found {
		return ActivityFacts{Status: StatusNoSignal}
	}

	days := DaysBetween(latest, now)
	f := ActivityFacts{
		LastActivityAt:     &latest,
		LastActivitySource: source,
		DaysSinceActivity:  &days,
		IsActive:           days <= inactiveDays,
	}
	if f.IsActive {
		f.Status = StatusActive
	} else {
		f.Status = StatusInactive
	}
	return f
}

// DaysBetween returns the whole days elapsed from then to now, floored.
// A timestamp in the future counts as zero days.
func DaysBetween(then, now time.Time) int {
	d := now.Sub(then)
	if d < 0 {
		return 0
	}
	return int(d / day)
}

// RecommendAction picks the follow-up for a group; first match wins.
// Active groups get no recommendation.
func RecommendAction(c Classification, gov GovernanceFacts, act ActivityFacts) string {
	if act.IsActive {
		return ""
	}
	if gov.IsEmpty && (gov.IsPrivileged || act.Status == StatusNoSignal) {
		return ActionDeleteEmpty
	}
	switch c.Category {
	case CategoryM365, CategoryDistribution:
		return ActionReviewArchival
	default:
		return ActionReviewMembers
	}
}

// SelectMemberSample returns the ids of at most limit inactive groups for the
// per-member sign-in analysis. Groups with no signal come first, then by days
// since activity descending; ties break on id so the sample is stable.
func SelectMemberSample(groups []GroupRecord, activity map[string]ActivityFacts, limit int) []string {
	if limit <= 0 {
		return nil
	}
	var candidates []string
	for _, g := range groups {
		if act, ok := activity[g.ID]; ok && !act.IsActive {
			candidates = append(candidates, g.ID)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := activity[candidates[i]], activity[candidates[j]]
		if c := compareDaysDesc(a.DaysSinceActivity, b.DaysSinceActivity, true); c != 0 {
			return c < 0
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// SummarizeMembers folds member last sign-in times into a MemberActivity.
// A nil entry means the member never signed in.
func SummarizeMembers(lastSignIns []*time.Time, inactiveDays int, now time.Time) MemberActivity {
	m := MemberActivity{TotalMembers: len(lastSignIns)}
	for _, at := range lastSignIns {
		switch {
		case at == nil:
			m.NeverSignedIn++
			m.InactiveMembers++
		case DaysBetween(*at, now) <= inactiveDays:
			m.ActiveMembers++
		default:
			m.InactiveMembers++
		}
	}
	m.PercentActive = Percent(m.ActiveMembers, m.TotalMembers)
	return m
}

// compareDaysDesc orders optional day counts descending. undefinedFirst
// decides where nil sorts. It returns -1 when a sorts before b.
func compareDaysDesc(a, b *int, undefinedFirst bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if undefinedFirst {
			return -1
		}
		return 1
	case b == nil:
		if undefinedFirst {
			return 1
		}
		return -1
	case *a > *b:
		return -1
	case *a < *b:
		return 1
	}
	return 0
}
