package governance

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usageReport = "\ufeffReport Refresh Date,Group Id,Group Display Name,Is Deleted,Owner Principal Name,Last Activity Date,Group Type,Member Count,Exchange Mailbox Last Activity Date,SharePoint Last Activity Date,Report Period\n" +
	"2025-06-28,id-1,Marketing,False,owner@contoso.com,2025-06-01,Public,12,2025-06-20,,180\n" +
	"2025-06-28,,Sales,False,owner@contoso.com,2025-03-15,Private,4,,not-a-date,180\n" +
	"2025-06-28,id-gone,Removed,True,,2025-06-27,Public,0,,,180\n" +
	"2025-06-28,,Unknown Team,False,,2025-06-27,Public,1,,,180\n"

func TestParseUsageReport(t *testing.T) {
	groups := []GroupRecord{
		{ID: "id-1", DisplayName: "Marketing"},
		{ID: "id-2", DisplayName: "Sales"},
	}
	res, err := ParseUsageReport(strings.NewReader(usageReport), groups)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Unmatched)
	require.Len(t, res.Signals, 3)

	assert.Equal(t, ActivitySignal{
		GroupID: "id-1",
		Source:  SourceReportExport,
		Field:   "Last Activity Date",
		At:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}, res.Signals[0])
	assert.Equal(t, "Exchange Mailbox Last Activity Date", res.Signals[1].Field)
	assert.Equal(t, "id-2", res.Signals[2].GroupID)

	f := AnalyzeActivity(groups[0], res.Signals, 90, testNow)
	assert.Equal(t, time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), *f.LastActivityAt)
}

func TestParseUsageReportAmbiguousNameIsUnmatched(t *testing.T) {
	groups := []GroupRecord{
		{ID: "x", DisplayName: "Sales"},
		{ID: "y", DisplayName: "Sales"},
	}
	res, err := ParseUsageReport(strings.NewReader(usageReport), groups)
	require.NoError(t, err)
	assert.Empty(t, res.Signals)
	assert.Equal(t, 3, res.Unmatched)
}

func TestParseUsageReportEmpty(t *testing.T) {
	res, err := ParseUsageReport(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Signals)
}

func TestParseReportDate(t *testing.T) {
	for _, s := range []string{"2025-01-31", "2025-01-31T00:00:00Z", "1/31/2025"} {
		got, err := ParseReportDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), got)
	}
	_, err := ParseReportDate("31.01.2025")
	assert.Error(t, err)
	_, err = ParseReportDate(" ")
	assert.Error(t, err)
}
