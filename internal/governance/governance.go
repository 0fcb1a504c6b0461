package governance

import (
	"sort"
	"strings"
)

// RoleMembership maps a group id to the display names of the directory roles
// the group is a member of.
type RoleMembership map[string][]string

// SnapshotIndex holds the snapshot-wide lookups the governance analysis needs.
// Build it once per snapshot with NewSnapshotIndex.
type SnapshotIndex struct {
	nameCounts       map[string]int
	roles            RoleMembership
	rolesUnavailable bool
}

// NewSnapshotIndex partitions the snapshot by display name and records role
// membership. Input order does not affect the result.
func NewSnapshotIndex(groups []GroupRecord, roles RoleMembership) *SnapshotIndex {
	idx := &SnapshotIndex{
		nameCounts: make(map[string]int, len(groups)),
		roles:      roles,
	}
	for _, g := range groups {
		idx.nameCounts[nameKey(g.DisplayName)]++
	}
	if idx.roles == nil {
		idx.roles = RoleMembership{}
	}
	return idx
}

// MarkRolesUnavailable records that role membership is incomplete. Every
// group analyzed against the index then carries the roleMembership marker.
func (idx *SnapshotIndex) MarkRolesUnavailable() {
	idx.rolesUnavailable = true
}

// DuplicateCount returns how many groups in the snapshot share the name.
func (idx *SnapshotIndex) DuplicateCount(displayName string) int {
	return idx.nameCounts[nameKey(displayName)]
}

// RoleNames returns the sorted role names the group holds.
func (idx *SnapshotIndex) RoleNames(groupID string) []string {
	names := append([]string(nil), idx.roles[groupID]...)
	sort.Strings(names)
	return names
}

func nameKey(displayName string) string {
	return strings.ToLower(strings.TrimSpace(displayName))
}

// AnalyzeGovernance computes the risk flags of one group against its snapshot.
// Unknown member or owner counts never produce an empty/orphaned flag; they are
// carried as partial markers instead.
func AnalyzeGovernance(g GroupRecord, idx *SnapshotIndex) GovernanceFacts {
	f := GovernanceFacts{
		HasNoDescription: strings.TrimSpace(g.Description) == "",
		GuestCount:       g.GuestCount,
	}

	if g.MemberCount != nil {
		f.IsEmpty = *g.MemberCount == 0
		f.IsOversized = *g.MemberCount > OversizedMemberThreshold
	} else {
		f.Partial = append(f.Partial, PartialMemberCount)
	}
	if g.OwnerCount != nil {
		f.IsOrphaned = *g.OwnerCount == 0
	} else {
		f.Partial = append(f.Partial, PartialOwnerCount)
	}
	if g.HasPartial(PartialGuestCount) {
		f.Partial = append(f.Partial, PartialGuestCount)
	}

	f.DuplicateCount = idx.DuplicateCount(g.DisplayName)
	f.IsDuplicateName = f.DuplicateCount > 1

	f.RoleNames = idx.RoleNames(g.ID)
	if idx.rolesUnavailable {
		f.Partial = append(f.Partial, PartialRoleMembership)
	}
	if len(f.RoleNames) > 0 {
		f.PrivilegedReasons = append(f.PrivilegedReasons, PrivilegedRoleMember)
	}
	if g.IsAssignableToRole {
		f.PrivilegedReasons = append(f.PrivilegedReasons, PrivilegedRoleAssignable)
	}
	f.IsPrivileged = len(f.PrivilegedReasons) > 0

	return f
}
