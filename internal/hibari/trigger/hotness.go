package trigger

import "math"

// GroupHotness derives the group coefficient from an activity score and the
// number of distinct people who spoke before the last five messages:
// round(max((15 - score) * 0.8, 1)), times 0.75 when at most one person spoke.
// Busy rooms get 1, quiet rooms get a boost.
func GroupHotness(activityScore float64, distinctEarlierSenders int) float64 {
	c := math.Round(math.Max((15-activityScore)*0.8, 1))
	if distinctEarlierSenders <= 1 {
		c *= 0.75
	}
	return c
}
