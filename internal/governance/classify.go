package governance

import "strings"

// Classify derives the category of a group. The first matching rule wins:
// Unified, then security+mail, then security, then mail.
func Classify(groupTypes []string, securityEnabled, mailEnabled bool) Category {
	switch {
	case hasGroupType(groupTypes, GroupTypeUnified):
		return CategoryM365
	case securityEnabled && mailEnabled:
		return CategoryMailEnabledSecurity
	case securityEnabled:
		return CategorySecurity
	case mailEnabled:
		return CategoryDistribution
	default:
		return CategoryUnknown
	}
}

// ClassifyGroup returns the full classification for a record.
func ClassifyGroup(g GroupRecord) Classification {
	return Classification{
		Category:         Classify(g.GroupTypes, g.SecurityEnabled, g.MailEnabled),
		IsDynamic:        hasGroupType(g.GroupTypes, GroupTypeDynamicMembership),
		IsRoleAssignable: g.IsAssignableToRole,
	}
}

func hasGroupType(groupTypes []string, want string) bool {
	for _, t := range groupTypes {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}
