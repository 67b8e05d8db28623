package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// csvHeader matches the column order of WriteSessionCSV rows.
var csvHeader = []string{
	"time", "cycle", "mode", "out_of_window", "saturated",
	"mount_alt", "mount_azi", "target_alt", "target_azi",
	"err_alt_asec", "err_azi_asec", "int_alt_asec", "int_azi_asec",
	"rate_alt", "rate_azi", "target_rate_alt", "target_rate_azi",
	"spiral_radius_asec",
	"coarse_valid", "coarse_found", "coarse_track_x", "coarse_track_y", "coarse_sd", "coarse_rmse",
	"fine_valid", "fine_found", "fine_track_x", "fine_track_y", "fine_sd", "fine_rmse",
	"power",
}

// WriteSessionCSV streams one session's cycle log as CSV, one row per
// control cycle in cycle order.
func (db *DB) WriteSessionCSV(w io.Writer, sessionID string) error {
	records, err := db.CyclesForSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load cycles for session %s: %w", sessionID, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.At.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(rec.Cycle, 10),
			rec.Mode,
			csvBool(rec.OutOfWindow),
			csvBool(rec.Saturated),
			csvFloat(rec.MountAlt), csvFloat(rec.MountAzi),
			csvFloat(rec.TargetAlt), csvFloat(rec.TargetAzi),
			csvFloat(rec.ErrAlt), csvFloat(rec.ErrAzi),
			csvFloat(rec.IntAlt), csvFloat(rec.IntAzi),
			csvFloat(rec.RateAlt), csvFloat(rec.RateAzi),
			csvFloat(rec.TargetRateAlt), csvFloat(rec.TargetRateAzi),
			csvFloat(rec.SpiralRadius),
			csvBool(rec.CoarseValid), csvBool(rec.CoarseFound),
			csvFloat(rec.CoarseTrackX), csvFloat(rec.CoarseTrackY),
			csvFloat(rec.CoarseSD), csvFloat(rec.CoarseRMSE),
			csvBool(rec.FineValid), csvBool(rec.FineFound),
			csvFloat(rec.FineTrackX), csvFloat(rec.FineTrackY),
			csvFloat(rec.FineSD), csvFloat(rec.FineRMSE),
			csvFloat(rec.Power),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func csvBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
