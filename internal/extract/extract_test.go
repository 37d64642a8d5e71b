package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parcelscope/parcelscope/internal/carriers"
)

func TestCandidates_URLQueryThenBody(t *testing.T) {
	text := "Track at https://x.example/progress?trackingId=TBA555 or call 1Z999AA10123456784"

	got := Candidates(text)
	require.Len(t, got, 2)

	require.Equal(t, "TBA555", got[0].TrackNumber)
	require.NotNil(t, got[0].TrackingURL)
	require.Equal(t, "https://x.example/progress?trackingId=TBA555", *got[0].TrackingURL)

	require.Equal(t, "1Z999AA10123456784", got[1].TrackNumber)
	require.Nil(t, got[1].TrackingURL)
}

func TestCandidates_QueryKeyVariants(t *testing.T) {
	cases := []string{
		"https://a.example/t?trackingId=1Z999AA10123456784",
		"https://a.example/t?trackingNumber=1Z999AA10123456784",
		"https://a.example/t?tracking_id=1Z999AA10123456784",
		"https://a.example/t?tracking_number=1Z999AA10123456784",
		"https://a.example/t?tracknum=1Z999AA10123456784",
		"https://a.example/t?TRACKINGID=1Z999AA10123456784",
	}
	for _, u := range cases {
		got := Candidates("see " + u)
		require.Len(t, got, 1, u)
		require.Equal(t, "1Z999AA10123456784", got[0].TrackNumber, u)
		require.NotNil(t, got[0].TrackingURL, u)
	}
}

func TestCandidates_AmazonNumberInURLPath(t *testing.T) {
	url := "https://track.amazon.example/package/TBA303510380000"
	got := Candidates("your order: " + url)

	require.Len(t, got, 1)
	require.Equal(t, "TBA303510380000", got[0].TrackNumber)
	require.NotNil(t, got[0].TrackingURL)
	require.Equal(t, url, *got[0].TrackingURL)
}

func TestCandidates_DedupCaseInsensitive_FirstSeenWins(t *testing.T) {
	got := Candidates("numbers tba123456789 and TBA123456789 again")
	require.Len(t, got, 1)
	require.Equal(t, "tba123456789", got[0].TrackNumber)
}

func TestCandidates_URLWinsDedupSlot(t *testing.T) {
	// The same number appears both in a URL and in the body; the
	// URL-derived candidate keeps its URL.
	text := "https://x.example/t?trackingId=TBA777 mentions TBA777 later"
	got := Candidates(text)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].TrackingURL)
}

func TestCandidates_BlankInput(t *testing.T) {
	require.Nil(t, Candidates(""))
	require.Nil(t, Candidates("   \n\t "))
}

func TestCandidates_NoMatches(t *testing.T) {
	require.Empty(t, Candidates("nothing trackable in here"))
}

func TestCandidates_RulePrecedenceInBodyPass(t *testing.T) {
	// DPD digits appear before the UPS number in the text, but UPS has
	// higher rule precedence so it comes out first.
	got := Candidates("ref 1234567890 then 1Z999AA10123456784")
	require.Len(t, got, 2)
	require.Equal(t, "1Z999AA10123456784", got[0].TrackNumber)
	require.Equal(t, "1234567890", got[1].TrackNumber)
}

func TestCandidatesWith_CustomPostalRules(t *testing.T) {
	rules := carriers.NewRules("DE", "Deutsche Post")
	got := CandidatesWith(rules, "shipment RR123456789DE moving")
	require.Len(t, got, 1)
	require.Equal(t, "RR123456789DE", got[0].TrackNumber)

	// The default table does not know the DE suffix.
	require.Empty(t, Candidates("shipment RR123456789DE moving"))
}
