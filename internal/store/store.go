// Package store persists ground station state in SQLite: tracking
// sessions with their per-cycle log rows, and pointing model records so
// the last good alignment survives a restart. Schema changes go through
// golang-migrate; see the migrations directory.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/control"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path. The schema
// is not touched here; run MigrateUp before first use.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc's driver is in-process; WAL plus a busy timeout keeps the
	// recorder and the admin query paths from tripping over each other.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{sqlDB}, nil
}

// Session is one tracking run: from a successful start command to stop,
// target loss or shutdown. EndedAt is nil while the session is live.
type Session struct {
	ID        string     `json:"id"`
	Target    string     `json:"target"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Cycles    int64      `json:"cycles"`
}

// Sessions returns the most recent sessions, newest first, with their
// cycle counts.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT s.id, s.target, s.started_at, s.ended_at, COUNT(c.cycle)
		FROM sessions s
		LEFT JOIN cycles c ON c.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s     Session
			ended sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Target, &s.StartedAt, &ended, &s.Cycles); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionByID returns one session, or sql.ErrNoRows if it does not exist.
func (db *DB) SessionByID(id string) (*Session, error) {
	var (
		s     Session
		ended sql.NullTime
	)
	err := db.QueryRow(`
		SELECT s.id, s.target, s.started_at, s.ended_at, COUNT(c.cycle)
		FROM sessions s
		LEFT JOIN cycles c ON c.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id`, id).Scan(&s.ID, &s.Target, &s.StartedAt, &ended, &s.Cycles)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// CycleRecord is one persisted control cycle. Positions and rates are in
// degrees and degrees per second, errors and integrals in arcseconds,
// matching the live status snapshot. Camera fields are zero with Valid
// false when that tracker published no estimate on the cycle.
type CycleRecord struct {
	SessionID string    `json:"session_id"`
	Cycle     uint64    `json:"cycle"`
	At        time.Time `json:"at"`
	Mode      string    `json:"mode"`

	OutOfWindow bool `json:"out_of_window,omitempty"`
	Saturated   bool `json:"saturated,omitempty"`

	MountAlt  float64 `json:"mount_alt"`
	MountAzi  float64 `json:"mount_azi"`
	TargetAlt float64 `json:"target_alt"`
	TargetAzi float64 `json:"target_azi"`

	ErrAlt float64 `json:"err_alt_asec"`
	ErrAzi float64 `json:"err_azi_asec"`
	IntAlt float64 `json:"int_alt_asec"`
	IntAzi float64 `json:"int_azi_asec"`

	RateAlt       float64 `json:"rate_alt"`
	RateAzi       float64 `json:"rate_azi"`
	TargetRateAlt float64 `json:"target_rate_alt"`
	TargetRateAzi float64 `json:"target_rate_azi"`

	SpiralRadius float64 `json:"spiral_radius_asec,omitempty"`

	CoarseValid  bool    `json:"coarse_valid"`
	CoarseFound  bool    `json:"coarse_found"`
	CoarseTrackX float64 `json:"coarse_track_x"`
	CoarseTrackY float64 `json:"coarse_track_y"`
	CoarseSD     float64 `json:"coarse_sd"`
	CoarseRMSE   float64 `json:"coarse_rmse"`

	FineValid  bool    `json:"fine_valid"`
	FineFound  bool    `json:"fine_found"`
	FineTrackX float64 `json:"fine_track_x"`
	FineTrackY float64 `json:"fine_track_y"`
	FineSD     float64 `json:"fine_sd"`
	FineRMSE   float64 `json:"fine_rmse"`

	Power float64 `json:"power"`
}

const cycleColumns = `session_id, cycle, at, mode, out_of_window, saturated,
	mount_alt, mount_azi, target_alt, target_azi,
	err_alt_asec, err_azi_asec, int_alt_asec, int_azi_asec,
	rate_alt, rate_azi, target_rate_alt, target_rate_azi, spiral_radius_asec,
	coarse_valid, coarse_found, coarse_track_x, coarse_track_y, coarse_sd, coarse_rmse,
	fine_valid, fine_found, fine_track_x, fine_track_y, fine_sd, fine_rmse,
	power`

// CyclesForSession returns every persisted cycle of one session in cycle
// order.
func (db *DB) CyclesForSession(sessionID string) ([]CycleRecord, error) {
	rows, err := db.Query(
		`SELECT `+cycleColumns+` FROM cycles WHERE session_id = ? ORDER BY cycle`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CycleRecord
	for rows.Next() {
		var (
			rec    CycleRecord
			coarse [4]sql.NullFloat64
			fine   [4]sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.SessionID, &rec.Cycle, &rec.At, &rec.Mode, &rec.OutOfWindow, &rec.Saturated,
			&rec.MountAlt, &rec.MountAzi, &rec.TargetAlt, &rec.TargetAzi,
			&rec.ErrAlt, &rec.ErrAzi, &rec.IntAlt, &rec.IntAzi,
			&rec.RateAlt, &rec.RateAzi, &rec.TargetRateAlt, &rec.TargetRateAzi, &rec.SpiralRadius,
			&rec.CoarseValid, &rec.CoarseFound, &coarse[0], &coarse[1], &coarse[2], &coarse[3],
			&rec.FineValid, &rec.FineFound, &fine[0], &fine[1], &fine[2], &fine[3],
			&rec.Power,
		); err != nil {
			return nil, err
		}
		rec.CoarseTrackX = coarse[0].Float64
		rec.CoarseTrackY = coarse[1].Float64
		rec.CoarseSD = coarse[2].Float64
		rec.CoarseRMSE = coarse[3].Float64
		rec.FineTrackX = fine[0].Float64
		rec.FineTrackY = fine[1].Float64
		rec.FineSD = fine[2].Float64
		rec.FineRMSE = fine[3].Float64
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// SessionSummary aggregates one session's pointing performance.
type SessionSummary struct {
	Session    Session `json:"session"`
	Cycles     int     `json:"cycles"`
	ClosedLoop int     `json:"closed_loop_cycles"`

	MeanErrAlt float64 `json:"mean_err_alt_asec"`
	MeanErrAzi float64 `json:"mean_err_azi_asec"`
	RMSErrAlt  float64 `json:"rms_err_alt_asec"`
	RMSErrAzi  float64 `json:"rms_err_azi_asec"`
	SDErrAlt   float64 `json:"sd_err_alt_asec"`
	SDErrAzi   float64 `json:"sd_err_azi_asec"`
	MeanPower  float64 `json:"mean_power"`
}

// SummarizeSession computes error statistics over a session's cycles.
// Only closed-loop cycles enter the pointing statistics; open-loop error
// is ephemeris-relative and would swamp the camera-feedback numbers.
func (db *DB) SummarizeSession(sessionID string) (*SessionSummary, error) {
	session, err := db.SessionByID(sessionID)
	if err != nil {
		return nil, err
	}
	records, err := db.CyclesForSession(sessionID)
	if err != nil {
		return nil, err
	}

	summary := &SessionSummary{Session: *session, Cycles: len(records)}
	var errAlt, errAzi, power []float64
	for _, rec := range records {
		power = append(power, rec.Power)
		if control.Mode(rec.Mode).ClosedLoop() {
			errAlt = append(errAlt, rec.ErrAlt)
			errAzi = append(errAzi, rec.ErrAzi)
		}
	}
	summary.ClosedLoop = len(errAlt)
	if len(power) > 0 {
		summary.MeanPower = stat.Mean(power, nil)
	}
	if len(errAlt) > 0 {
		summary.MeanErrAlt = stat.Mean(errAlt, nil)
		summary.MeanErrAzi = stat.Mean(errAzi, nil)
		summary.SDErrAlt = math.Sqrt(stat.Variance(errAlt, nil))
		summary.SDErrAzi = math.Sqrt(stat.Variance(errAzi, nil))
		summary.RMSErrAlt = rms(errAlt)
		summary.RMSErrAzi = rms(errAzi)
	}
	return summary, nil
}

func rms(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(vs)))
}

// AlignmentRecord is one saved pointing model with the fit report that
// produced it. Report is nil for records saved without a fit, such as the
// ENU identity alignment.
type AlignmentRecord struct {
	ID      int64            `json:"id"`
	SavedAt time.Time        `json:"saved_at"`
	Valid   bool             `json:"valid"`
	Model   *align.Model     `json:"model"`
	Report  *align.FitReport `json:"report,omitempty"`
}

// SaveAlignment persists a pointing model snapshot. Valid records are
// candidates for restore at startup; a model is valid when it is both
// located and aligned. The fit report, when present, is stored alongside
// with its per-point residuals.
func (db *DB) SaveAlignment(m *align.Model, report *align.FitReport) (int64, error) {
	if m == nil {
		return 0, fmt.Errorf("save alignment: nil model")
	}
	modelJSON, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("marshal model: %w", err)
	}

	var reportJSON any
	var usedPoints, totalPoints any
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return 0, fmt.Errorf("marshal fit report: %w", err)
		}
		reportJSON = string(b)
		usedPoints = report.UsedPoints
		totalPoints = report.TotalPoints
	}

	valid := m.Located && m.Aligned
	rmsAlt, rmsAzi := residualRMS(report)
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO alignments (saved_at, fitted_at, valid, model_json, report_json, used_points, total_points, rms_alt_asec, rms_azi_asec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), m.FittedAt, valid, string(modelJSON), reportJSON,
		usedPoints, totalPoints, rmsAlt, rmsAzi)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if report != nil {
		stmt, err := tx.Prepare(`
			INSERT INTO alignment_points (alignment_id, point_index, dalt_asec, dazi_asec)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return 0, err
		}
		defer stmt.Close()
		for _, r := range report.Residuals {
			if _, err := stmt.Exec(id, r.Index, r.DAltAsec, r.DAziAsec); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// residualRMS returns the total pointing RMS of a fit report in
// arcseconds, split per axis, or nils when there is no report.
func residualRMS(report *align.FitReport) (any, any) {
	if report == nil || len(report.Residuals) == 0 {
		return nil, nil
	}
	alt := make([]float64, 0, len(report.Residuals))
	azi := make([]float64, 0, len(report.Residuals))
	for _, r := range report.Residuals {
		alt = append(alt, r.DAltAsec)
		azi = append(azi, r.DAziAsec)
	}
	return rms(alt), rms(azi)
}

// LatestAlignment returns the most recently saved valid pointing model,
// or sql.ErrNoRows when none exists. Used at startup to restore the
// pointing model from before the last shutdown.
func (db *DB) LatestAlignment() (*AlignmentRecord, error) {
	return db.scanAlignment(db.QueryRow(`
		SELECT id, saved_at, valid, model_json, report_json
		FROM alignments
		WHERE valid = 1
		ORDER BY id DESC
		LIMIT 1`))
}

// AlignmentByID returns one saved alignment record.
func (db *DB) AlignmentByID(id int64) (*AlignmentRecord, error) {
	return db.scanAlignment(db.QueryRow(`
		SELECT id, saved_at, valid, model_json, report_json
		FROM alignments
		WHERE id = ?`, id))
}

func (db *DB) scanAlignment(row *sql.Row) (*AlignmentRecord, error) {
	var (
		rec        AlignmentRecord
		modelJSON  string
		reportJSON sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.SavedAt, &rec.Valid, &modelJSON, &reportJSON); err != nil {
		return nil, err
	}
	rec.Model = &align.Model{}
	if err := json.Unmarshal([]byte(modelJSON), rec.Model); err != nil {
		return nil, fmt.Errorf("unmarshal model record %d: %w", rec.ID, err)
	}
	if reportJSON.Valid {
		rec.Report = &align.FitReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), rec.Report); err != nil {
			return nil, fmt.Errorf("unmarshal fit report of record %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Alignments lists saved alignment records newest first, without the
// bulky report payloads.
func (db *DB) Alignments(limit int) ([]AlignmentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, saved_at, valid, model_json
		FROM alignments
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AlignmentRecord
	for rows.Next() {
		var (
			rec       AlignmentRecord
			modelJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.SavedAt, &rec.Valid, &modelJSON); err != nil {
			return nil, err
		}
		rec.Model = &align.Model{}
		if err := json.Unmarshal([]byte(modelJSON), rec.Model); err != nil {
			return nil, fmt.Errorf("unmarshal model record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
