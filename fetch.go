package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/auditlogs"
	"github.com/microsoftgraph/msgraph-sdk-go/groups"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"criticalsys.net/entragov/internal/governance"
)

const defaultBetaBaseURL = "https://graph.microsoft.com/beta"

var groupSelect = []string{
	"id", "displayName", "description", "groupTypes", "securityEnabled",
	"mailEnabled", "isAssignableToRole", "createdDateTime", "renewedDateTime",
	"onPremisesSyncEnabled",
}

// Fetcher is the Graph-backed directory fetch adapter. All requests share
// one rate limiter.
type Fetcher struct {
	client      *msgraphsdk.GraphServiceClient
	limiter     *rate.Limiter
	config      Config
	logger      *slog.Logger
	betaBaseURL string

	signIns   singleflight.Group
	signInMu  sync.Mutex
	signInMap map[string]*time.Time
}

// NewFetcher wraps an authenticated Graph client.
func NewFetcher(client *msgraphsdk.GraphServiceClient, config Config, logger *slog.Logger) *Fetcher {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	return &Fetcher{
		client:      client,
		limiter:     rate.NewLimiter(limit, max(1, config.RequestsPerSecond)),
		config:      config,
		logger:      logger,
		betaBaseURL: defaultBetaBaseURL,
		signInMap:   make(map[string]*time.Time),
	}
}

func (f *Fetcher) wait(ctx context.Context) error {
	return f.limiter.Wait(ctx)
}

func eventualHeaders() *abstractions.RequestHeaders {
	headers := abstractions.NewRequestHeaders()
	headers.Add("ConsistencyLevel", "eventual")
	return headers
}

// Fetch builds a complete snapshot. Only a failure to list groups is fatal;
// every other source degrades to missing data.
func (f *Fetcher) Fetch(ctx context.Context, tenantID string) (governance.Snapshot, error) {
	snap := governance.Snapshot{
		RunID:     uuid.NewString(),
		TenantID:  tenantID,
		FetchedAt: time.Now().UTC(),
	}

	groupList, err := f.ListGroups(ctx)
	if err != nil {
		return snap, err
	}
	f.logger.Info("Fetched groups", "count", len(groupList))

	snap.Groups = f.EnrichGroups(ctx, groupList)

	snap.Roles, err = f.RoleMembership(ctx)
	if err != nil {
		f.logger.Warn("Directory role membership unavailable; privileged detection limited to role-assignable groups", "error", err)
		snap.RolesUnavailable = true
		if snap.Roles == nil {
			snap.Roles = governance.RoleMembership{}
		}
	}

	snap.Signals = append(snap.Signals, f.ReportSignals(ctx, snap.Groups)...)

	audit, err := f.AuditSignals(ctx, snap.Groups)
	if err != nil {
		f.logger.Warn("Audit log signals unavailable", "error", err)
	}
	snap.Signals = append(snap.Signals, audit...)

	return snap, nil
}

// ListGroups pages through every group in the tenant.
func (f *Fetcher) ListGroups(ctx context.Context) ([]governance.GroupRecord, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	options := &groups.GroupsRequestBuilderGetRequestConfiguration{
		QueryParameters: &groups.GroupsRequestBuilderGetQueryParameters{
			Select: groupSelect,
			Top:    int32Ptr(f.config.PageSize),
		},
	}
	result, err := f.client.Groups().Get(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("error getting groups: %w", err)
	}

	pageIterator, err := msgraphcore.NewPageIterator[models.Groupable](result, f.client.GetAdapter(), models.CreateGroupCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("failed to create group page iterator: %w", err)
	}

	var records []governance.GroupRecord
	err = pageIterator.Iterate(ctx, func(g models.Groupable) bool {
		if g != nil && g.GetId() != nil {
			records = append(records, groupRecord(g))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return records, nil
}

func groupRecord(g models.Groupable) governance.GroupRecord {
	rec := governance.GroupRecord{
		ID:                 stringValue(g.GetId()),
		DisplayName:        stringValue(g.GetDisplayName()),
		Description:        stringValue(g.GetDescription()),
		GroupTypes:         g.GetGroupTypes(),
		SecurityEnabled:    boolValue(g.GetSecurityEnabled()),
		MailEnabled:        boolValue(g.GetMailEnabled()),
		IsAssignableToRole: boolValue(g.GetIsAssignableToRole()),
		OnPremSynced:       boolValue(g.GetOnPremisesSyncEnabled()),
	}
	if t := g.GetCreatedDateTime(); t != nil {
		rec.CreatedAt = t.UTC()
	}
	if t := g.GetRenewedDateTime(); t != nil {
		renewed := t.UTC()
		rec.LastRenewedAt = &renewed
	}
	return rec
}

// EnrichGroups fills member, owner, and optionally guest counts with bounded
// parallelism. A failed count leaves the value unknown and marks the record
// partial. Groups not finished when ctx is canceled are marked interrupted.
func (f *Fetcher) EnrichGroups(ctx context.Context, records []governance.GroupRecord) []governance.GroupRecord {
	out := make([]governance.GroupRecord, len(records))
	copy(out, records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.ParallelJobs)
	for i := range out {
		rec := &out[i]
		g.Go(func() error {
			f.enrichGroup(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (f *Fetcher) enrichGroup(ctx context.Context, rec *governance.GroupRecord) {
	if ctx.Err() != nil {
		rec.Partial = append(rec.Partial, governance.PartialInterrupted)
		return
	}

	if n, err := f.countMembers(ctx, rec.ID); err != nil {
		f.logger.Warn("Could not count members", "group", rec.DisplayName, "id", rec.ID, "error", err)
		rec.Partial = append(rec.Partial, governance.PartialMemberCount)
	} else {
		rec.MemberCount = &n
	}

	if n, err := f.countOwners(ctx, rec.ID); err != nil {
		f.logger.Warn("Could not count owners", "group", rec.DisplayName, "id", rec.ID, "error", err)
		rec.Partial = append(rec.Partial, governance.PartialOwnerCount)
	} else {
		rec.OwnerCount = &n
	}

	if f.config.Guests {
		if n, err := f.countGuests(ctx, rec.ID); err != nil {
			f.logger.Warn("Could not enumerate members for guests", "group", rec.DisplayName, "id", rec.ID, "error", err)
			rec.Partial = append(rec.Partial, governance.PartialGuestCount)
		} else {
			rec.GuestCount = &n
		}
	}

	if ctx.Err() != nil {
		rec.Partial = append(rec.Partial, governance.PartialInterrupted)
	}
}

func (f *Fetcher) countMembers(ctx context.Context, groupID string) (int, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	n, err := f.client.Groups().ByGroupId(groupID).Members().Count().Get(ctx, &groups.ItemMembersCountRequestBuilderGetRequestConfiguration{
		Headers: eventualHeaders(),
	})
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, errors.New("empty member count response")
	}
	return int(*n), nil
}

func (f *Fetcher) countOwners(ctx context.Context, groupID string) (int, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	n, err := f.client.Groups().ByGroupId(groupID).Owners().Count().Get(ctx, &groups.ItemOwnersCountRequestBuilderGetRequestConfiguration{
		Headers: eventualHeaders(),
	})
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, errors.New("empty owner count response")
	}
	return int(*n), nil
}

// memberUsers pages through the user members of a group.
func (f *Fetcher) memberUsers(ctx context.Context, groupID string, fn func(models.Userable)) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	result, err := f.client.Groups().ByGroupId(groupID).Members().GraphUser().Get(ctx, &groups.ItemMembersGraphUserRequestBuilderGetRequestConfiguration{
		QueryParameters: &groups.ItemMembersGraphUserRequestBuilderGetQueryParameters{
			Select: []string{"id", "userType"},
			Top:    int32Ptr(f.config.PageSize),
		},
	})
	if err != nil {
		return err
	}
	pageIterator, err := msgraphcore.NewPageIterator[models.Userable](result, f.client.GetAdapter(), models.CreateUserCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return fmt.Errorf("failed to create member page iterator: %w", err)
	}
	return pageIterator.Iterate(ctx, func(u models.Userable) bool {
		if u != nil {
			fn(u)
		}
		return true
	})
}

func (f *Fetcher) countGuests(ctx context.Context, groupID string) (int, error) {
	guests := 0
	err := f.memberUsers(ctx, groupID, func(u models.Userable) {
		if strings.EqualFold(stringValue(u.GetUserType()), "Guest") {
			guests++
		}
	})
	return guests, err
}

// RoleMembership maps group ids to the directory roles they are members of.
// When some roles could not be read, the membership gathered so far is
// returned together with an error naming them.
func (f *Fetcher) RoleMembership(ctx context.Context) (governance.RoleMembership, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	roles, err := f.client.DirectoryRoles().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting directory roles: %w", err)
	}

	membership := governance.RoleMembership{}
	var failed []string
	for _, role := range roles.GetValue() {
		roleID := stringValue(role.GetId())
		roleName := stringValue(role.GetDisplayName())
		if roleID == "" {
			continue
		}
		if err := f.wait(ctx); err != nil {
			return membership, err
		}
		members, err := f.client.DirectoryRoles().ByDirectoryRoleId(roleID).Members().Get(ctx, nil)
		if err != nil {
			f.logger.Warn("Could not list role members", "role", roleName, "error", err)
			failed = append(failed, roleName)
			continue
		}
		pageIterator, err := msgraphcore.NewPageIterator[models.DirectoryObjectable](members, f.client.GetAdapter(), models.CreateDirectoryObjectCollectionResponseFromDiscriminatorValue)
		if err != nil {
			return membership, fmt.Errorf("failed to create role member page iterator: %w", err)
		}
		err = pageIterator.Iterate(ctx, func(m models.DirectoryObjectable) bool {
			if isGroupObject(m) {
				id := stringValue(m.GetId())
				membership[id] = append(membership[id], roleName)
			}
			return true
		})
		if err != nil {
			f.logger.Warn("Could not iterate role members", "role", roleName, "error", err)
			failed = append(failed, roleName)
		}
	}
	if len(failed) > 0 {
		return membership, fmt.Errorf("members of %d roles unavailable: %s", len(failed), strings.Join(failed, ", "))
	}
	return membership, nil
}

func isGroupObject(m models.DirectoryObjectable) bool {
	if m == nil || m.GetId() == nil {
		return false
	}
	if _, ok := m.(models.Groupable); ok {
		return true
	}
	return strings.EqualFold(stringValue(m.GetOdataType()), "#microsoft.graph.group")
}

type reportStrategy struct {
	name  string
	fetch func(ctx context.Context) ([]byte, error)
}

// ReportSignals tries each usage report endpoint in order and parses the first
// one that answers. All failing yields no report signals.
func (f *Fetcher) ReportSignals(ctx context.Context, records []governance.GroupRecord) []governance.ActivitySignal {
	strategies := []reportStrategy{
		{name: "v1.0", fetch: f.reportV1},
		{name: "beta", fetch: f.reportBeta},
	}
	for _, s := range strategies {
		body, err := s.fetch(ctx)
		if err != nil {
			f.logger.Warn("Usage report endpoint failed", "endpoint", s.name, "error", err)
			continue
		}
		res, err := governance.ParseUsageReport(bytes.NewReader(body), records)
		if err != nil {
			f.logger.Warn("Usage report could not be parsed", "endpoint", s.name, "error", err)
			continue
		}
		f.logger.Info("Loaded usage report", "endpoint", s.name, "signals", len(res.Signals), "droppedDates", res.Dropped, "unmatchedRows", res.Unmatched)
		return res.Signals
	}
	f.logger.Warn("No usage report available; activity relies on renewal and audit signals")
	return nil
}

func (f *Fetcher) reportV1(ctx context.Context) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.client.Reports().GetOffice365GroupsActivityDetailWithPeriod(strPtr(f.config.ReportPeriod)).Get(ctx, nil)
}

func (f *Fetcher) reportBeta(ctx context.Context) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(fmt.Sprintf("%s/reports/getOffice365GroupsActivityDetail(period='%s')", f.betaBaseURL, f.config.ReportPeriod))
	if err != nil {
		return nil, err
	}
	reqInfo := abstractions.NewRequestInformation()
	reqInfo.Method = abstractions.GET
	reqInfo.SetUri(*u)
	reqInfo.Headers.Add("Accept", "application/octet-stream")

	res, err := f.client.GetAdapter().SendPrimitive(ctx, reqInfo, "[]byte", nil)
	if err != nil {
		return nil, err
	}
	body, ok := res.([]byte)
	if !ok {
		return nil, errors.New("unexpected usage report response")
	}
	return body, nil
}

// AuditSignals returns, per group, the most recent GroupManagement audit
// event within the configured look-back window.
func (f *Fetcher) AuditSignals(ctx context.Context, records []governance.GroupRecord) ([]governance.ActivitySignal, error) {
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.ID] = true
	}

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -f.config.AuditDays)
	filter := fmt.Sprintf("category eq 'GroupManagement' and activityDateTime ge %s", since.Format(time.RFC3339))
	result, err := f.client.AuditLogs().DirectoryAudits().Get(ctx, &auditlogs.DirectoryAuditsRequestBuilderGetRequestConfiguration{
		QueryParameters: &auditlogs.DirectoryAuditsRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    int32Ptr(f.config.PageSize),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error getting directory audits: %w", err)
	}

	pageIterator, err := msgraphcore.NewPageIterator[models.DirectoryAuditable](result, f.client.GetAdapter(), models.CreateDirectoryAuditCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit page iterator: %w", err)
	}

	latest := map[string]time.Time{}
	err = pageIterator.Iterate(ctx, func(a models.DirectoryAuditable) bool {
		if a == nil || a.GetActivityDateTime() == nil {
			return true
		}
		at := a.GetActivityDateTime().UTC()
		for _, target := range a.GetTargetResources() {
			id := stringValue(target.GetId())
			if known[id] && at.After(latest[id]) {
				latest[id] = at
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate directory audits: %w", err)
	}

	signals := make([]governance.ActivitySignal, 0, len(latest))
	for id, at := range latest {
		signals = append(signals, governance.ActivitySignal{
			GroupID: id,
			Source:  governance.SourceAuditLog,
			Field:   "activityDateTime",
			At:      at,
		})
	}
	f.logger.Info("Loaded audit log signals", "groups", len(signals), "days", f.config.AuditDays)
	return signals, nil
}

// MemberSignIns implements governance.MemberSignInSource. Each user is looked
// up at most once per run, even when several sampled groups share members.
func (f *Fetcher) MemberSignIns(ctx context.Context, groupID string) ([]*time.Time, error) {
	var ids []string
	err := f.memberUsers(ctx, groupID, func(u models.Userable) {
		if id := stringValue(u.GetId()); id != "" {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	out := make([]*time.Time, 0, len(ids))
	for _, id := range ids {
		at, err := f.lastSignIn(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read sign-in activity for %s: %w", id, err)
		}
		out = append(out, at)
	}
	return out, nil
}

func (f *Fetcher) lastSignIn(ctx context.Context, userID string) (*time.Time, error) {
	f.signInMu.Lock()
	at, ok := f.signInMap[userID]
	f.signInMu.Unlock()
	if ok {
		return at, nil
	}

	v, err, _ := f.signIns.Do(userID, func() (any, error) {
		// A call that finished between the check above and Do already cached it.
		f.signInMu.Lock()
		at, ok := f.signInMap[userID]
		f.signInMu.Unlock()
		if ok {
			return at, nil
		}
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		user, err := f.client.Users().ByUserId(userID).Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
				Select: []string{"id", "signInActivity"},
			},
		})
		if err != nil {
			return nil, err
		}
		var last *time.Time
		if activity := user.GetSignInActivity(); activity != nil && activity.GetLastSignInDateTime() != nil {
			t := activity.GetLastSignInDateTime().UTC()
			last = &t
		}
		f.signInMu.Lock()
		f.signInMap[userID] = last
		f.signInMu.Unlock()
		return last, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*time.Time), nil
}
