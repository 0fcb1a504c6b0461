package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot is everything fetched from the directory for one assessment.
type Snapshot struct {
	RunID     string
	TenantID  string
	FetchedAt time.Time
	Groups    []GroupRecord
	Roles     RoleMembership

	// RolesUnavailable is set when directory role membership could not be
	// read completely, so role-member privilege may be undetected.
	RolesUnavailable bool
	Signals          []ActivitySignal
}

// MemberSignInSource returns the last sign-in time of every user member of a
// group. A nil entry is a member that never signed in.
type MemberSignInSource interface {
	MemberSignIns(ctx context.Context, groupID string) ([]*time.Time, error)
}

// Options tune an assessment.
type Options struct {
	InactiveDays int
	Now          time.Time
	// Parallel bounds the per-group analysis fan-out.
	Parallel int
	// SampleSize caps the groups that get the member sign-in breakdown.
	SampleSize int
	// Members enables the member sign-in breakdown when non-nil.
	Members MemberSignInSource
	Logger  *slog.Logger
}

// Result is the outcome of an assessment.
type Result struct {
	Rows   []SummaryRow
	Stats  TenantStats
	Action []SummaryRow
}

type groupFacts struct {
	id  string
	cls Classification
	gov GovernanceFacts
	act ActivityFacts
}

// Assess runs classification, governance, and activity analysis over the
// snapshot and aggregates the results. Cancellation stops new groups from
// being analyzed; those groups are reported with their facts missing.
func Assess(ctx context.Context, snap Snapshot, opts Options) Result {
	if opts.InactiveDays <= 0 {
		opts.InactiveDays = DefaultInactiveDays
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx := NewSnapshotIndex(snap.Groups, snap.Roles)
	if snap.RolesUnavailable {
		idx.MarkRolesUnavailable()
		logger.Warn("Role membership is incomplete; every group is marked partial for privileged detection")
	}
	signals := make(map[string][]ActivitySignal, len(snap.Groups))
	for _, s := range snap.Signals {
		signals[s.GroupID] = append(signals[s.GroupID], s)
	}

	var (
		mu         sync.Mutex
		classified = make(map[string]Classification, len(snap.Groups))
		governance = make(map[string]GovernanceFacts, len(snap.Groups))
		activity   = make(map[string]ActivityFacts, len(snap.Groups))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for i := range snap.Groups {
		grp := snap.Groups[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			f := groupFacts{
				id:  grp.ID,
				cls: ClassifyGroup(grp),
				gov: AnalyzeGovernance(grp, idx),
				act: AnalyzeActivity(grp, signals[grp.ID], opts.InactiveDays, opts.Now),
			}
			if f.act.Status == StatusNoSignal {
				logger.Debug("No activity signal for group", "group", grp.DisplayName, "id", grp.ID)
			}
			mu.Lock()
			classified[f.id] = f.cls
			governance[f.id] = f.gov
			activity[f.id] = f.act
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if opts.Members != nil {
		sample := SelectMemberSample(snap.Groups, activity, opts.SampleSize)
		logger.Info("Analyzing member sign-in activity", "sampled", len(sample), "cap", opts.SampleSize)
		for _, id := range sample {
			if ctx.Err() != nil {
				break
			}
			lastSignIns, err := opts.Members.MemberSignIns(ctx, id)
			if err != nil {
				logger.Warn("Member sign-in analysis failed", "id", id, "error", err)
				continue
			}
			m := SummarizeMembers(lastSignIns, opts.InactiveDays, opts.Now)
			act := activity[id]
			if latest := LatestSignIn(lastSignIns); latest != nil {
				signals[id] = append(signals[id], ActivitySignal{
					GroupID: id,
					Source:  SourceMemberSignIn,
					Field:   "lastSignInDateTime",
					At:      *latest,
				})
				act = AnalyzeActivity(groupByID(snap.Groups, id), signals[id], opts.InactiveDays, opts.Now)
			}
			act.Members = &m
			activity[id] = act
		}
	}

	for id, act := range activity {
		gov, ok := governance[id]
		if !ok {
			continue
		}
		act.RecommendedAction = RecommendAction(classified[id], gov, act)
		activity[id] = act
	}

	rows, stats := Aggregate(snap.Groups, classified, governance, activity)
	stats.InactiveDays = opts.InactiveDays
	return Result{Rows: rows, Stats: stats, Action: RequiringAction(rows)}
}

// LatestSignIn returns the most recent non-nil sign-in, or nil.
func LatestSignIn(lastSignIns []*time.Time) *time.Time {
	var latest *time.Time
	for _, at := range lastSignIns {
		if at != nil && (latest == nil || at.After(*latest)) {
			latest = at
		}
	}
	return latest
}

func groupByID(groups []GroupRecord, id string) GroupRecord {
	for _, g := range groups {
		if g.ID == id {
			return g
		}
	}
	return GroupRecord{ID: id}
}
