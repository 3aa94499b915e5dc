package backfill

import (
	"time"

	"github.com/google/uuid"

	"query-orchestrator/internal/models"
)

// Plan splits the inclusive date range [start, end] into contiguous segments of
// at most days days. The last segment is truncated at end.
func Plan(runID string, start, end time.Time, days int) ([]models.BackfillSegment, error) {
	start, end = truncateDay(start), truncateDay(end)
	if days <= 0 {
		return nil, models.ErrValidation("segment size must be positive, got %d", days)
	}
	if end.Before(start) {
		return nil, models.ErrValidation("end date %s is before start date %s", end.Format(models.DateLayout), start.Format(models.DateLayout))
	}
	var segs []models.BackfillSegment
	for s, seq := start, 0; !s.After(end); s, seq = s.AddDate(0, 0, days), seq+1 {
		e := s.AddDate(0, 0, days-1)
		if e.After(end) {
			e = end
		}
		segs = append(segs, models.BackfillSegment{
			ID:        uuid.NewString(),
			RunID:     runID,
			Sequence:  seq,
			StartDate: s,
			EndDate:   e,
			Status:    models.SegmentPending,
		})
	}
	return segs, nil
}

// WindowParameters returns the run parameters extended with the segment's
// inclusive date window.
func WindowParameters(base map[string]any, seg models.BackfillSegment) map[string]any {
	params := make(map[string]any, len(base)+2)
	for k, v := range base {
		params[k] = v
	}
	params[models.ParamWindowStart] = seg.StartDate.Format(models.DateLayout)
	params[models.ParamWindowEnd] = seg.EndDate.Format(models.DateLayout)
	return params
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
