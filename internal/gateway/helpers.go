package gateway

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/adherence"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

const timeFormatRFC3339 = time.RFC3339

var errExtractorNotConfigured = errors.New("prescription extractor not configured")

// adherenceRate computes taken/scheduled over the trailing window of
// days, where scheduled is reconstructed from taken+late+missed events
// (spec §4.6). Snoozed events are excluded: a snooze defers a firing
// rather than resolving it, so it is not yet a scheduled/taken outcome.
// Returns 0 when there is no scheduled activity in the window, since an
// empty window carries no adherence signal either way.
func adherenceRate(events []adherence.Event, days int) float64 {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	var taken, scheduled int
	for _, e := range events {
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		switch e.Kind {
		case adherence.EventTaken, adherence.EventLate:
			taken++
			scheduled++
		case adherence.EventMissed:
			scheduled++
		}
	}
	if scheduled == 0 {
		return 0
	}
	return float64(taken) / float64(scheduled)
}
