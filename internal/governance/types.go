// Package governance turns raw directory group records into the derived
// classification, governance, and activity facts used by the assessment
// reports. Nothing in this package talks to Graph; data comes in through
// a Snapshot and the MemberSignInSource interface.
package governance

import "time"

// Group type flags as reported by Graph in groupTypes.
const (
	GroupTypeUnified           = "Unified"
	GroupTypeDynamicMembership = "DynamicMembership"
)

// OversizedMemberThreshold is the fixed policy limit above which a group is
// flagged as oversized.
const OversizedMemberThreshold = 1000

// DefaultInactiveDays is the default activity threshold in days.
const DefaultInactiveDays = 90

// DefaultMemberSampleSize caps how many inactive groups get the per-member
// sign-in analysis.
const DefaultMemberSampleSize = 10

// Partial markers used in GroupRecord.Partial and the derived facts.
const (
	PartialMemberCount = "memberCount"
	PartialOwnerCount  = "ownerCount"
	PartialGuestCount  = "guestCount"
	PartialInterrupted = "interrupted"
	// PartialRoleMembership marks every group of a snapshot whose directory
	// role membership could not be read completely.
	PartialRoleMembership = "roleMembership"
)

// GroupRecord is one directory group as observed in a fetch snapshot.
// Counts are pointers because a failed count call leaves them unknown.
type GroupRecord struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"displayName"`
	Description        string     `json:"description,omitempty"`
	GroupTypes         []string   `json:"groupTypes,omitempty"`
	SecurityEnabled    bool       `json:"securityEnabled"`
	MailEnabled        bool       `json:"mailEnabled"`
	IsAssignableToRole bool       `json:"isAssignableToRole"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastRenewedAt      *time.Time `json:"lastRenewedAt,omitempty"`
	OnPremSynced       bool       `json:"onPremSynced"`
	MemberCount        *int       `json:"memberCount,omitempty"`
	OwnerCount         *int       `json:"ownerCount,omitempty"`
	GuestCount         *int       `json:"guestCount,omitempty"`
	Partial            []string   `json:"partial,omitempty"`
}

// HasPartial reports whether the named fact could not be fetched.
func (g GroupRecord) HasPartial(marker string) bool {
	for _, p := range g.Partial {
		if p == marker {
			return true
		}
	}
	return false
}

// Category is the derived kind of a group.
type Category string

const (
	CategoryM365                Category = "Microsoft 365"
	CategorySecurity            Category = "Security"
	CategoryMailEnabledSecurity Category = "Mail-Enabled Security"
	CategoryDistribution        Category = "Distribution"
	CategoryUnknown             Category = "Unknown"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategoryM365,
	CategorySecurity,
	CategoryMailEnabledSecurity,
	CategoryDistribution,
	CategoryUnknown,
}

// Classification is derived 1:1 from a GroupRecord.
type Classification struct {
	Category         Category `json:"category"`
	IsDynamic        bool     `json:"isDynamic"`
	IsRoleAssignable bool     `json:"isRoleAssignable"`
}

// Reasons a group is considered privileged.
const (
	PrivilegedRoleMember     = "role-member"
	PrivilegedRoleAssignable = "role-assignable"
)

// GovernanceFacts are the per-group risk flags.
type GovernanceFacts struct {
	IsEmpty           bool     `json:"isEmpty"`
	IsOrphaned        bool     `json:"isOrphaned"`
	IsOversized       bool     `json:"isOversized"`
	HasNoDescription  bool     `json:"hasNoDescription"`
	IsDuplicateName   bool     `json:"isDuplicateName"`
	DuplicateCount    int      `json:"duplicateCount"`
	GuestCount        *int     `json:"guestCount,omitempty"`
	IsPrivileged      bool     `json:"isPrivileged"`
	PrivilegedReasons []string `json:"privilegedReasons,omitempty"`
	RoleNames         []string `json:"roleNames,omitempty"`
	Partial           []string `json:"partial,omitempty"`
}

// SignalSource tags where an activity timestamp came from.
type SignalSource string

const (
	SourceReportExport SignalSource = "report-export"
	SourceRenewal      SignalSource = "renewal"
	SourceAuditLog     SignalSource = "audit-log"
	SourceMemberSignIn SignalSource = "member-sign-in"
)

// ActivitySignal is one timestamped piece of evidence that a group is in use.
type ActivitySignal struct {
	GroupID string       `json:"groupId"`
	Source  SignalSource `json:"source"`
	Field   string       `json:"field,omitempty"`
	At      time.Time    `json:"at"`
}

// ActivityStatus separates "checked and found old" from "nothing to check".
type ActivityStatus string

const (
	StatusActive   ActivityStatus = "Active"
	StatusInactive ActivityStatus = "Inactive"
	StatusNoSignal ActivityStatus = "NoSignal"
)

// ActivityStatuses lists every status in report order.
var ActivityStatuses = []ActivityStatus{StatusActive, StatusInactive, StatusNoSignal}

// Recommended actions.
const (
	ActionDeleteEmpty    = "Empty group - Delete"
	ActionReviewMembers  = "Review membership and necessity"
	ActionReviewArchival = "Review for archival or deletion"
)

// ActivityFacts are the per-group activity results.
type ActivityFacts struct {
	LastActivityAt     *time.Time      `json:"lastActivityAt,omitempty"`
	LastActivitySource SignalSource    `json:"lastActivitySource,omitempty"`
	DaysSinceActivity  *int            `json:"daysSinceActivity,omitempty"`
	IsActive           bool            `json:"isActive"`
	Status             ActivityStatus  `json:"status"`
	RecommendedAction  string          `json:"recommendedAction,omitempty"`
	Members            *MemberActivity `json:"memberActivity,omitempty"`
}

// MemberActivity is the sampled per-member sign-in breakdown of a group.
type MemberActivity struct {
	TotalMembers    int     `json:"totalMembers"`
	ActiveMembers   int     `json:"activeMembers"`
	InactiveMembers int     `json:"inactiveMembers"`
	NeverSignedIn   int     `json:"neverSignedIn"`
	PercentActive   float64 `json:"percentActive"`
}
