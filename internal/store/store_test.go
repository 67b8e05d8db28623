package store

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/track"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "groundstation.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fsys, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return db
}

// writeStatuses pushes statuses through the recorder's write path
// synchronously, leaving any trailing session open.
func writeStatuses(t *testing.T, db *DB, statuses []*control.Status) {
	t.Helper()
	r := &Recorder{db: db}
	if err := r.writeBatch(statuses); err != nil {
		t.Fatalf("writeBatch failed: %v", err)
	}
}

func cycleStatus(session, target string, cycle uint64, at time.Time) *control.Status {
	return &control.Status{
		Cycle:   cycle,
		Time:    at,
		Session: session,
		Running: session != "",
		Mode:    control.ModeCCL,
		Target:  target,
	}
}

func TestMigrateLifecycle(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "groundstation.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	fsys, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	latest, err := GetLatestMigrationVersion(fsys)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if latest < 2 {
		t.Fatalf("latest migration version = %d, want at least 2", latest)
	}

	version, dirty, err := db.MigrateVersion(fsys)
	if err != nil {
		t.Fatalf("MigrateVersion on fresh DB failed: %v", err)
	}
	if version != 0 || dirty {
		t.Fatalf("fresh DB version = %d dirty=%v, want 0 clean", version, dirty)
	}

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	version, dirty, err = db.MigrateVersion(fsys)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != latest || dirty {
		t.Fatalf("after up: version = %d dirty=%v, want %d clean", version, dirty, latest)
	}

	// Up again is a no-op.
	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	if err := db.MigrateDown(fsys); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err = db.MigrateVersion(fsys)
	if err != nil {
		t.Fatalf("MigrateVersion after down failed: %v", err)
	}
	if version != latest-1 {
		t.Fatalf("after down: version = %d, want %d", version, latest-1)
	}

	if err := db.MigrateTo(fsys, latest); err != nil {
		t.Fatalf("MigrateTo(%d) failed: %v", latest, err)
	}

	status, err := db.GetMigrationStatus(fsys)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if got := status["current_version"]; got != latest {
		t.Errorf("status current_version = %v, want %d", got, latest)
	}
	if got := status["schema_migrations_exists"]; got != true {
		t.Errorf("status schema_migrations_exists = %v, want true", got)
	}
}

func TestMigrateForce(t *testing.T) {
	db := openTestDB(t)
	fsys, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	if err := db.MigrateForce(fsys, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(fsys)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("after force: version = %d dirty=%v, want 1 clean", version, dirty)
	}
}

func TestRecorderPersistsSession(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)

	t0 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	period := 200 * time.Millisecond
	for i := uint64(1); i <= 5; i++ {
		s := cycleStatus("sess-1", "test sat", i, t0.Add(time.Duration(i)*period))
		s.MountAlt = 45.5
		s.MountAzi = 120.25
		s.ErrAlt = 1.5
		s.ErrAzi = -2.5
		s.RateAlt = 0.01
		s.Power = 0.7
		s.Coarse = &track.Estimate{
			Camera: "coarse", Valid: true, Found: true,
			TrackX: 3, TrackY: -2, SD: 25, RMSE: 9,
		}
		r.RecordCycle(s)
	}
	tEnd := t0.Add(6 * period)
	r.RecordCycle(cycleStatus("", "", 6, tEnd))
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := r.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}

	sessions, err := db.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Sessions returned %d rows, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != "sess-1" || s.Target != "test sat" {
		t.Errorf("session = %q target %q, want sess-1 / test sat", s.ID, s.Target)
	}
	if s.Cycles != 5 {
		t.Errorf("session cycle count = %d, want 5", s.Cycles)
	}
	if !s.StartedAt.Equal(t0.Add(period)) {
		t.Errorf("started_at = %v, want %v", s.StartedAt, t0.Add(period))
	}
	if s.EndedAt == nil {
		t.Fatalf("ended_at not set")
	}
	if !s.EndedAt.Equal(tEnd) {
		t.Errorf("ended_at = %v, want %v", s.EndedAt, tEnd)
	}

	records, err := db.CyclesForSession("sess-1")
	if err != nil {
		t.Fatalf("CyclesForSession failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d cycle records, want 5", len(records))
	}
	for i, rec := range records {
		if rec.Cycle != uint64(i+1) {
			t.Errorf("record %d cycle = %d, want %d", i, rec.Cycle, i+1)
		}
	}
	rec := records[0]
	if rec.Mode != "CCL" {
		t.Errorf("mode = %q, want CCL", rec.Mode)
	}
	if !rec.At.Equal(t0.Add(period)) {
		t.Errorf("at = %v, want %v", rec.At, t0.Add(period))
	}
	if rec.ErrAlt != 1.5 || rec.ErrAzi != -2.5 {
		t.Errorf("errors = (%v, %v), want (1.5, -2.5)", rec.ErrAlt, rec.ErrAzi)
	}
	if !rec.CoarseValid || !rec.CoarseFound {
		t.Errorf("coarse flags = (%v, %v), want valid and found", rec.CoarseValid, rec.CoarseFound)
	}
	if rec.CoarseTrackX != 3 || rec.CoarseTrackY != -2 || rec.CoarseSD != 25 || rec.CoarseRMSE != 9 {
		t.Errorf("coarse columns = (%v, %v, %v, %v), want (3, -2, 25, 9)",
			rec.CoarseTrackX, rec.CoarseTrackY, rec.CoarseSD, rec.CoarseRMSE)
	}
	if rec.FineValid || rec.FineTrackX != 0 {
		t.Errorf("fine columns populated without a fine estimate: %+v", rec)
	}
	if rec.Power != 0.7 {
		t.Errorf("power = %v, want 0.7", rec.Power)
	}

	got, err := db.SessionByID("sess-1")
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if got.Cycles != 5 {
		t.Errorf("SessionByID cycles = %d, want 5", got.Cycles)
	}
}

func TestRecorderSessionRollover(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)

	t0 := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	for i := uint64(1); i <= 3; i++ {
		r.RecordCycle(cycleStatus("sess-a", "sat a", i, t0.Add(time.Duration(i)*time.Second)))
	}
	tSwitch := t0.Add(4 * time.Second)
	r.RecordCycle(cycleStatus("sess-b", "sat b", 4, tSwitch))
	r.RecordCycle(cycleStatus("sess-b", "sat b", 5, t0.Add(5*time.Second)))
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sessions, err := db.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions returned %d rows, want 2", len(sessions))
	}
	byID := map[string]Session{}
	for _, s := range sessions {
		byID[s.ID] = s
	}
	a, ok := byID["sess-a"]
	if !ok {
		t.Fatalf("sess-a missing from %v", sessions)
	}
	if a.Cycles != 3 {
		t.Errorf("sess-a cycles = %d, want 3", a.Cycles)
	}
	if a.EndedAt == nil || !a.EndedAt.Equal(tSwitch) {
		t.Errorf("sess-a ended_at = %v, want %v", a.EndedAt, tSwitch)
	}
	b, ok := byID["sess-b"]
	if !ok {
		t.Fatalf("sess-b missing from %v", sessions)
	}
	if b.Cycles != 2 {
		t.Errorf("sess-b cycles = %d, want 2", b.Cycles)
	}
	// The open session is closed on shutdown at its last cycle time.
	if b.EndedAt == nil || !b.EndedAt.Equal(t0.Add(5*time.Second)) {
		t.Errorf("sess-b ended_at = %v, want %v", b.EndedAt, t0.Add(5*time.Second))
	}
}

func TestRecorderSkipsIdleCycles(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	t0 := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	for i := uint64(1); i <= 10; i++ {
		r.RecordCycle(cycleStatus("", "", i, t0.Add(time.Duration(i)*time.Second)))
	}
	r.RecordCycle(nil)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sessions, err := db.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("idle cycles produced %d sessions, want 0", len(sessions))
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	db := openTestDB(t)
	// No writer goroutine: the channel never drains, so pushes past its
	// capacity must drop rather than block.
	r := &Recorder{db: db, ch: make(chan *control.Status, 2)}
	at := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	for i := uint64(1); i <= 5; i++ {
		r.RecordCycle(cycleStatus("sess-x", "sat", i, at))
	}
	if got := r.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestWriteSessionCSV(t *testing.T) {
	db := openTestDB(t)
	t0 := time.Date(2026, 3, 3, 20, 0, 0, 0, time.UTC)
	var statuses []*control.Status
	for i := uint64(1); i <= 4; i++ {
		s := cycleStatus("sess-csv", "csv sat", i, t0.Add(time.Duration(i)*time.Second))
		s.ErrAlt = float64(i) * 0.5
		s.Fine = &track.Estimate{Camera: "fine", Valid: true, RMSE: 4.25}
		statuses = append(statuses, s)
	}
	writeStatuses(t, db, statuses)

	var buf bytes.Buffer
	if err := db.WriteSessionCSV(&buf, "sess-csv"); err != nil {
		t.Fatalf("WriteSessionCSV failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading CSV back failed: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("CSV has %d rows, want header + 4", len(rows))
	}
	if rows[0][0] != "time" || rows[0][2] != "mode" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if len(rows[1]) != len(csvHeader) {
		t.Errorf("row width = %d, want %d", len(rows[1]), len(csvHeader))
	}
	if rows[2][2] != "CCL" {
		t.Errorf("mode column = %q, want CCL", rows[2][2])
	}
	errAlt, err := strconv.ParseFloat(rows[2][9], 64)
	if err != nil {
		t.Fatalf("parsing err_alt %q: %v", rows[2][9], err)
	}
	if errAlt != 1.0 {
		t.Errorf("row 2 err_alt = %v, want 1.0", errAlt)
	}
	if rows[1][24] != "1" {
		t.Errorf("fine_valid column = %q, want 1", rows[1][24])
	}
}

func TestSummarizeSession(t *testing.T) {
	db := openTestDB(t)
	t0 := time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

	var statuses []*control.Status
	mk := func(i uint64, mode control.Mode, errAlt, errAzi float64) {
		s := cycleStatus("sess-sum", "sum sat", i, t0.Add(time.Duration(i)*time.Second))
		s.Mode = mode
		s.ErrAlt = errAlt
		s.ErrAzi = errAzi
		s.Power = 2.0
		statuses = append(statuses, s)
	}
	// Open-loop cycles stay out of the pointing statistics.
	mk(1, control.ModeOL, 500, -500)
	mk(2, control.ModeOL, 400, -400)
	mk(3, control.ModeCCL, 1, 2)
	mk(4, control.ModeCCL, -1, -2)
	mk(5, control.ModeFCL, 3, 6)
	mk(6, control.ModeFCL, -3, -6)
	writeStatuses(t, db, statuses)

	summary, err := db.SummarizeSession("sess-sum")
	if err != nil {
		t.Fatalf("SummarizeSession failed: %v", err)
	}
	if summary.Cycles != 6 {
		t.Errorf("cycles = %d, want 6", summary.Cycles)
	}
	if summary.ClosedLoop != 4 {
		t.Errorf("closed-loop cycles = %d, want 4", summary.ClosedLoop)
	}
	if math.Abs(summary.MeanErrAlt) > 1e-12 || math.Abs(summary.MeanErrAzi) > 1e-12 {
		t.Errorf("mean errors = (%v, %v), want 0", summary.MeanErrAlt, summary.MeanErrAzi)
	}
	wantRMSAlt := math.Sqrt((1 + 1 + 9 + 9) / 4.0)
	if math.Abs(summary.RMSErrAlt-wantRMSAlt) > 1e-12 {
		t.Errorf("rms alt = %v, want %v", summary.RMSErrAlt, wantRMSAlt)
	}
	wantRMSAzi := math.Sqrt((4 + 4 + 36 + 36) / 4.0)
	if math.Abs(summary.RMSErrAzi-wantRMSAzi) > 1e-12 {
		t.Errorf("rms azi = %v, want %v", summary.RMSErrAzi, wantRMSAzi)
	}
	// Sample standard deviation over {1,-1,3,-3}.
	wantSD := math.Sqrt(20.0 / 3.0)
	if math.Abs(summary.SDErrAlt-wantSD) > 1e-12 {
		t.Errorf("sd alt = %v, want %v", summary.SDErrAlt, wantSD)
	}
	if summary.MeanPower != 2.0 {
		t.Errorf("mean power = %v, want 2.0", summary.MeanPower)
	}
}

func TestAlignmentRecords(t *testing.T) {
	db := openTestDB(t)

	a := align.New()
	if err := a.SetLocationLatLon(52, 5, 50); err != nil {
		t.Fatalf("SetLocationLatLon failed: %v", err)
	}
	if err := a.SetAlignmentENU(); err != nil {
		t.Fatalf("SetAlignmentENU failed: %v", err)
	}
	model := a.Snapshot()

	report := &align.FitReport{
		Alt0Deg:     0.01,
		Cvd:         1e-4,
		CnpDeg:      -0.002,
		UsedPoints:  8,
		TotalPoints: 9,
		Residuals: []align.PointResidual{
			{Index: 0, DAltAsec: 3, DAziAsec: -4},
			{Index: 1, DAltAsec: 1, DAziAsec: 2},
		},
	}

	id1, err := db.SaveAlignment(model, report)
	if err != nil {
		t.Fatalf("SaveAlignment failed: %v", err)
	}
	if id1 <= 0 {
		t.Fatalf("SaveAlignment returned id %d", id1)
	}

	// A newer but invalid record must not shadow the valid one.
	broken := *model
	broken.Aligned = false
	id2, err := db.SaveAlignment(&broken, nil)
	if err != nil {
		t.Fatalf("SaveAlignment (invalid) failed: %v", err)
	}

	latest, err := db.LatestAlignment()
	if err != nil {
		t.Fatalf("LatestAlignment failed: %v", err)
	}
	if latest.ID != id1 {
		t.Errorf("LatestAlignment id = %d, want %d", latest.ID, id1)
	}
	if !latest.Valid {
		t.Errorf("LatestAlignment not marked valid")
	}
	timeCmp := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(model, latest.Model, timeCmp); diff != "" {
		t.Errorf("restored model differs (-want +got):\n%s", diff)
	}

	rec, err := db.AlignmentByID(id1)
	if err != nil {
		t.Fatalf("AlignmentByID failed: %v", err)
	}
	if rec.Report == nil {
		t.Fatalf("fit report not restored")
	}
	if diff := cmp.Diff(report, rec.Report); diff != "" {
		t.Errorf("restored report differs (-want +got):\n%s", diff)
	}

	var pointCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM alignment_points WHERE alignment_id = ?`, id1).Scan(&pointCount); err != nil {
		t.Fatalf("counting alignment points failed: %v", err)
	}
	if pointCount != 2 {
		t.Errorf("alignment_points rows = %d, want 2", pointCount)
	}
	var rmsAlt float64
	if err := db.QueryRow(`SELECT rms_alt_asec FROM alignments WHERE id = ?`, id1).Scan(&rmsAlt); err != nil {
		t.Fatalf("reading rms_alt_asec failed: %v", err)
	}
	if want := math.Sqrt((9 + 1) / 2.0); math.Abs(rmsAlt-want) > 1e-12 {
		t.Errorf("rms_alt_asec = %v, want %v", rmsAlt, want)
	}

	records, err := db.Alignments(10)
	if err != nil {
		t.Fatalf("Alignments failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Alignments returned %d records, want 2", len(records))
	}
	if records[0].ID != id2 || records[0].Valid {
		t.Errorf("newest record = id %d valid=%v, want id %d invalid", records[0].ID, records[0].Valid, id2)
	}
}

func TestLatestAlignmentEmpty(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LatestAlignment()
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("LatestAlignment on empty DB = %v, want sql.ErrNoRows", err)
	}
}
