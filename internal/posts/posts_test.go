package posts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCuratedScore_RanksEngagementOverAge(t *testing.T) {
	fresh := CuratedScore(0, 0, 0, 1, false, false)
	popularButOld := CuratedScore(50, 10, 5, 71, false, false)
	require.Greater(t, popularButOld, fresh)
}

func TestCuratedScore_FollowBonus(t *testing.T) {
	base := CuratedScore(5, 1, 2, 12, false, false)
	followed := CuratedScore(5, 1, 2, 12, true, false)
	require.InDelta(t, base+0.9, followed, 1e-9)
}

func TestCuratedScore_SelfBonus(t *testing.T) {
	base := CuratedScore(5, 1, 2, 12, false, false)
	self := CuratedScore(5, 1, 2, 12, false, true)
	require.InDelta(t, base+0.5, self, 1e-9)
}

func TestCuratedScore_RecencyDecaysToZeroPastWindow(t *testing.T) {
	atWindowEdge := CuratedScore(0, 0, 0, CuratedWindow.Hours(), false, false)
	pastWindow := CuratedScore(0, 0, 0, CuratedWindow.Hours()*2, false, false)
	require.InDelta(t, 0, atWindowEdge, 1e-9)
	require.InDelta(t, 0, pastWindow, 1e-9)
}

func TestCuratedScore_MonotonicInLikes(t *testing.T) {
	low := CuratedScore(1, 0, 0, 10, false, false)
	high := CuratedScore(20, 0, 0, 10, false, false)
	require.Greater(t, high, low)
}
