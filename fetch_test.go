package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"criticalsys.net/entragov/internal/governance"
)

const groupsPage = `{"value":[
 {"id":"g1","displayName":"Finance-Team","description":"Finance","groupTypes":["Unified"],"securityEnabled":false,"mailEnabled":true,"isAssignableToRole":false,"createdDateTime":"2023-01-01T00:00:00Z","renewedDateTime":"2025-01-15T00:00:00Z","onPremisesSyncEnabled":null},
 {"id":"g2","displayName":"Finance-Team","groupTypes":[],"securityEnabled":true,"mailEnabled":false,"isAssignableToRole":true,"createdDateTime":"2022-05-01T00:00:00Z"}
]}`

const usageCSV = "Report Refresh Date,Group Id,Group Display Name,Is Deleted,Last Activity Date\n" +
	"2025-06-28,g1,Finance-Team,False,2025-06-20\n"

// fakeGraph serves the handful of Graph endpoints the fetcher calls.
type fakeGraph struct {
	mu       sync.Mutex
	requests []string
	eventual map[string]bool

	// status overrides the response of a path with an error status.
	status map[string]int
	// members holds the user members JSON array per group id.
	members map[string]string
	// users holds the user JSON object per user id.
	users map[string]string
}

func (f *fakeGraph) hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if p == path {
			n++
		}
	}
	return n
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	f.mu.Lock()
	f.requests = append(f.requests, path)
	if r.Header.Get("ConsistencyLevel") == "eventual" {
		f.eventual[path] = true
	}
	f.mu.Unlock()

	json := func(body string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
	text := func(body string) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}
	fail := func(status int) {
		w.Header().Set("Content-Type", "application/json")
		// Keep the SDK retry handler from sleeping between attempts.
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"code":"Failed","message":"denied"}}`))
	}

	if status, ok := f.status[path]; ok {
		fail(status)
		return
	}

	switch {
	case path == "/v1.0/groups":
		json(groupsPage)
	case path == "/v1.0/groups/g1/members/$count":
		text("5")
	case path == "/v1.0/groups/g1/owners/$count":
		text("1")
	case path == "/v1.0/groups/g2/members/$count":
		fail(http.StatusForbidden)
	case path == "/v1.0/groups/g2/owners/$count":
		text("0")
	case strings.HasSuffix(path, "/members/graph.user"), strings.HasSuffix(path, "/members/microsoft.graph.user"):
		groupID := strings.Split(strings.TrimPrefix(path, "/v1.0/groups/"), "/")[0]
		body, ok := f.members[groupID]
		if !ok {
			fail(http.StatusNotFound)
			return
		}
		json(`{"value":` + body + `}`)
	case strings.HasPrefix(path, "/v1.0/users/"):
		body, ok := f.users[strings.TrimPrefix(path, "/v1.0/users/")]
		if !ok {
			fail(http.StatusNotFound)
			return
		}
		json(body)
	case path == "/v1.0/directoryRoles":
		json(`{"value":[{"id":"r1","displayName":"Global Administrator"}]}`)
	case path == "/v1.0/directoryRoles/r1/members":
		json(`{"value":[{"@odata.type":"#microsoft.graph.group","id":"g2"},{"@odata.type":"#microsoft.graph.user","id":"u1"}]}`)
	case strings.HasPrefix(path, "/v1.0/reports/"):
		fail(http.StatusForbidden)
	case strings.HasPrefix(path, "/beta/reports/"):
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte(usageCSV))
	case path == "/v1.0/auditLogs/directoryAudits":
		json(`{"value":[
		 {"id":"a1","activityDateTime":"2025-06-01T10:00:00Z","targetResources":[{"id":"g2"}]},
		 {"id":"a2","activityDateTime":"2025-06-10T10:00:00Z","targetResources":[{"id":"g2"},{"id":"deleted"}]}
		]}`)
	default:
		fail(http.StatusNotFound)
	}
}

func newTestFetcher(t *testing.T, config Config, setup ...func(*fakeGraph)) (*Fetcher, *fakeGraph) {
	t.Helper()
	fake := &fakeGraph{
		eventual: map[string]bool{},
		status:   map[string]int{},
		members:  map[string]string{},
		users:    map[string]string{},
	}
	for _, fn := range setup {
		fn(fake)
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	adapter, err := msgraphsdk.NewGraphRequestAdapter(&authentication.AnonymousAuthenticationProvider{})
	require.NoError(t, err)
	adapter.SetBaseUrl(srv.URL + "/v1.0")
	client := msgraphsdk.NewGraphServiceClient(adapter)

	f := NewFetcher(client, config, discardLogger())
	f.betaBaseURL = srv.URL + "/beta"
	return f, fake
}

func testFetchConfig() Config {
	config := defaultConfig()
	config.RequestsPerSecond = 0
	config.ParallelJobs = 2
	return config
}

func TestFetchBuildsSnapshot(t *testing.T) {
	f, fake := newTestFetcher(t, testFetchConfig())

	snap, err := f.Fetch(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, "tenant-1", snap.TenantID)
	require.Len(t, snap.Groups, 2)

	g1, g2 := snap.Groups[0], snap.Groups[1]
	assert.Equal(t, "g1", g1.ID)
	assert.Equal(t, []string{"Unified"}, g1.GroupTypes)
	assert.True(t, g1.MailEnabled)
	require.NotNil(t, g1.LastRenewedAt)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), *g1.LastRenewedAt)
	require.NotNil(t, g1.MemberCount)
	assert.Equal(t, 5, *g1.MemberCount)
	assert.Equal(t, 1, *g1.OwnerCount)
	assert.Empty(t, g1.Partial)

	assert.True(t, g2.IsAssignableToRole)
	assert.Nil(t, g2.MemberCount)
	require.NotNil(t, g2.OwnerCount)
	assert.Equal(t, 0, *g2.OwnerCount)
	assert.Equal(t, []string{governance.PartialMemberCount}, g2.Partial)

	assert.Equal(t, governance.RoleMembership{"g2": {"Global Administrator"}}, snap.Roles)
	assert.False(t, snap.RolesUnavailable)

	var report, audit []governance.ActivitySignal
	for _, s := range snap.Signals {
		switch s.Source {
		case governance.SourceReportExport:
			report = append(report, s)
		case governance.SourceAuditLog:
			audit = append(audit, s)
		}
	}
	require.Len(t, report, 1)
	assert.Equal(t, "g1", report[0].GroupID)
	require.Len(t, audit, 1)
	assert.Equal(t, "g2", audit[0].GroupID)
	assert.Equal(t, time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), audit[0].At)

	assert.True(t, fake.eventual["/v1.0/groups/g1/members/$count"])
	assert.True(t, fake.eventual["/v1.0/groups/g1/owners/$count"])

	res := governance.Assess(context.Background(), snap, governance.Options{
		InactiveDays: 90,
		Now:          time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	for _, row := range res.Rows {
		assert.True(t, row.Governance.IsDuplicateName)
		if row.Group.ID == "g2" {
			assert.True(t, row.Governance.IsPrivileged)
			assert.True(t, row.Governance.IsOrphaned)
			assert.False(t, row.Governance.IsEmpty)
			assert.Contains(t, row.Governance.Partial, governance.PartialMemberCount)
		}
	}
}

func TestReportSignalsAllStrategiesFailing(t *testing.T) {
	f, _ := newTestFetcher(t, testFetchConfig())
	f.betaBaseURL = f.betaBaseURL + "/missing"

	signals := f.ReportSignals(context.Background(), []governance.GroupRecord{{ID: "g1", DisplayName: "Finance-Team"}})
	assert.Empty(t, signals)
}

func TestEnrichGroupsMarksInterrupted(t *testing.T) {
	f, fake := newTestFetcher(t, testFetchConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.EnrichGroups(ctx, []governance.GroupRecord{{ID: "g1"}, {ID: "g2"}})
	for _, g := range out {
		assert.Equal(t, []string{governance.PartialInterrupted}, g.Partial)
		assert.Nil(t, g.MemberCount)
	}
	assert.Empty(t, fake.requests)
}

func TestFetchMarksRolesUnavailable(t *testing.T) {
	f, _ := newTestFetcher(t, testFetchConfig(), func(fake *fakeGraph) {
		fake.status["/v1.0/directoryRoles"] = http.StatusServiceUnavailable
	})

	snap, err := f.Fetch(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.True(t, snap.RolesUnavailable)
	assert.Empty(t, snap.Roles)

	res := governance.Assess(context.Background(), snap, governance.Options{
		InactiveDays: 90,
		Now:          time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.Len(t, res.Rows, 2)
	for _, row := range res.Rows {
		assert.Contains(t, row.Governance.Partial, governance.PartialRoleMembership, row.Group.ID)
		assert.Empty(t, row.Governance.RoleNames)
	}
	assert.Equal(t, 2, res.Stats.Flags.Partial)

	g2 := res.Rows[1]
	require.Equal(t, "g2", g2.Group.ID)
	assert.True(t, g2.Governance.IsPrivileged)
	assert.Equal(t, []string{governance.PrivilegedRoleAssignable}, g2.Governance.PrivilegedReasons)
	assert.Equal(t, "memberCount;roleMembership", strings.Join(partialMarkers(g2), ";"))
}

func TestRoleMembershipReportsUnreadableRoles(t *testing.T) {
	f, _ := newTestFetcher(t, testFetchConfig(), func(fake *fakeGraph) {
		fake.status["/v1.0/directoryRoles/r1/members"] = http.StatusForbidden
	})

	roles, err := f.RoleMembership(context.Background())
	assert.ErrorContains(t, err, "Global Administrator")
	assert.Empty(t, roles)
}

func TestEnrichGroupsCountsGuests(t *testing.T) {
	config := testFetchConfig()
	config.Guests = true
	f, _ := newTestFetcher(t, config, func(fake *fakeGraph) {
		fake.members["g1"] = `[{"id":"u1","userType":"Member"},{"id":"u2","userType":"Guest"},{"id":"u3","userType":"guest"}]`
		fake.status["/v1.0/groups/g2/members/graph.user"] = http.StatusForbidden
		fake.status["/v1.0/groups/g2/members/microsoft.graph.user"] = http.StatusForbidden
	})

	out := f.EnrichGroups(context.Background(), []governance.GroupRecord{{ID: "g1"}, {ID: "g2"}})
	require.Len(t, out, 2)

	require.NotNil(t, out[0].GuestCount)
	assert.Equal(t, 2, *out[0].GuestCount)
	assert.Empty(t, out[0].Partial)

	assert.Nil(t, out[1].GuestCount)
	assert.Equal(t, []string{governance.PartialMemberCount, governance.PartialGuestCount}, out[1].Partial)
}

func TestMemberSignInsFetchEachUserOnce(t *testing.T) {
	f, fake := newTestFetcher(t, testFetchConfig(), func(fake *fakeGraph) {
		fake.members["s1"] = `[{"id":"u1","userType":"Member"},{"id":"u2","userType":"Member"}]`
		fake.members["s2"] = `[{"id":"u1","userType":"Member"}]`
		fake.users["u1"] = `{"id":"u1","signInActivity":{"lastSignInDateTime":"2025-06-20T08:00:00Z"}}`
		fake.users["u2"] = `{"id":"u2"}`
	})

	now := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	snap := governance.Snapshot{
		RunID:     "run-1",
		FetchedAt: now,
		Groups: []governance.GroupRecord{
			{ID: "s1", DisplayName: "Sampled One", MemberCount: intPtr(2), OwnerCount: intPtr(1)},
			{ID: "s2", DisplayName: "Sampled Two", MemberCount: intPtr(1), OwnerCount: intPtr(1)},
		},
	}
	res := governance.Assess(context.Background(), snap, governance.Options{
		InactiveDays: 90,
		Now:          now,
		SampleSize:   10,
		Members:      f,
	})

	assert.Equal(t, 1, fake.hits("/v1.0/users/u1"))
	assert.Equal(t, 1, fake.hits("/v1.0/users/u2"))
	assert.Equal(t, 2, res.Stats.MemberSampledCount)

	rows := map[string]governance.SummaryRow{}
	for _, r := range res.Rows {
		rows[r.Group.ID] = r
	}
	s1 := rows["s1"].Activity
	require.NotNil(t, s1.Members)
	assert.Equal(t, 2, s1.Members.TotalMembers)
	assert.Equal(t, 1, s1.Members.ActiveMembers)
	assert.Equal(t, 1, s1.Members.NeverSignedIn)
	assert.Equal(t, governance.SourceMemberSignIn, s1.LastActivitySource)
	assert.True(t, s1.IsActive)

	s2 := rows["s2"].Activity
	require.NotNil(t, s2.Members)
	assert.Equal(t, 1, s2.Members.ActiveMembers)
	assert.Equal(t, 100.0, s2.Members.PercentActive)

	// Served from the per-run cache without another request.
	again, err := f.MemberSignIns(context.Background(), "s2")
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.NotNil(t, again[0])
	assert.Equal(t, time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC), *again[0])
	assert.Equal(t, 1, fake.hits("/v1.0/users/u1"))
}
