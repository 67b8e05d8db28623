package store

import (
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/track"
)

// recorderBuffer is sized for several seconds of cycles at the default
// cadence so a slow disk stalls nothing.
const recorderBuffer = 512

// flushBatch caps how many rows go into one transaction.
const flushBatch = 64

// Recorder persists the control loop's per-cycle status stream. It
// implements the loop's sink contract: RecordCycle never blocks, rows are
// dropped when the writer falls behind. Session rows are derived from the
// stream itself, so a session is opened when its first cycle arrives and
// closed when the stream moves off it.
type Recorder struct {
	db      *DB
	ch      chan *control.Status
	done    chan struct{}
	dropped atomic.Uint64

	// Writer goroutine state.
	openSession string
	lastSeen    time.Time
}

// NewRecorder starts the writer goroutine. Call Close to flush and stop.
func NewRecorder(db *DB) *Recorder {
	r := &Recorder{
		db:   db,
		ch:   make(chan *control.Status, recorderBuffer),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordCycle enqueues one cycle snapshot. Idle cycles carry no session
// and produce no rows, but they still flow through so the writer can
// close a session the moment tracking stops.
func (r *Recorder) RecordCycle(s *control.Status) {
	if s == nil {
		return
	}
	select {
	case r.ch <- s:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many cycles were discarded because the writer fell
// behind.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes pending rows, closes any open session row and stops the
// writer.
func (r *Recorder) Close() error {
	close(r.ch)
	<-r.done
	if n := r.Dropped(); n > 0 {
		monitoring.Logf("store: recorder dropped %d cycle rows", n)
	}
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	batch := make([]*control.Status, 0, flushBatch)
	for {
		s, ok := <-r.ch
		if !ok {
			r.finish(batch)
			return
		}
		batch = append(batch, s)
	drain:
		for len(batch) < flushBatch {
			select {
			case s, ok := <-r.ch:
				if !ok {
					r.finish(batch)
					return
				}
				batch = append(batch, s)
			default:
				break drain
			}
		}
		r.flush(batch)
		batch = batch[:0]
	}
}

// finish drains the final batch and closes the session left open, if any.
// A daemon shutdown stops tracking, so the last status time is the honest
// session end.
func (r *Recorder) finish(batch []*control.Status) {
	r.flush(batch)
	if r.openSession != "" {
		if err := r.endSession(r.db.DB, r.openSession, r.lastSeen); err != nil {
			monitoring.Logf("store: failed to close session %s: %v", r.openSession, err)
		}
		r.openSession = ""
	}
}

func (r *Recorder) flush(batch []*control.Status) {
	if len(batch) == 0 {
		return
	}
	if err := r.writeBatch(batch); err != nil {
		monitoring.Logf("store: failed to write %d cycle rows: %v", len(batch), err)
	}
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (r *Recorder) writeBatch(batch []*control.Status) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO cycles (` + cycleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range batch {
		if s.Session != r.openSession {
			if r.openSession != "" {
				if err := r.endSession(tx, r.openSession, s.Time); err != nil {
					return err
				}
			}
			if s.Session != "" {
				if _, err := tx.Exec(`
					INSERT INTO sessions (id, target, started_at)
					VALUES (?, ?, ?)
					ON CONFLICT(id) DO NOTHING`,
					s.Session, s.Target, s.Time); err != nil {
					return err
				}
			}
			r.openSession = s.Session
		}
		if s.Session == "" {
			continue
		}
		r.lastSeen = s.Time

		coarse := estimateValues(s.Coarse)
		fine := estimateValues(s.Fine)
		if _, err := stmt.Exec(
			s.Session, s.Cycle, s.Time, string(s.Mode), s.OutOfWindow, s.Saturated,
			s.MountAlt, s.MountAzi, s.TargetAlt, s.TargetAzi,
			s.ErrAlt, s.ErrAzi, s.IntAlt, s.IntAzi,
			s.RateAlt, s.RateAzi, s.TargetRateAlt, s.TargetRateAzi, s.SpiralRadius,
			coarse[0], coarse[1], coarse[2], coarse[3], coarse[4], coarse[5],
			fine[0], fine[1], fine[2], fine[3], fine[4], fine[5],
			s.Power,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) endSession(e execer, id string, at time.Time) error {
	_, err := e.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, at, id)
	return err
}

// estimateValues flattens a tracker estimate into the valid, found,
// track_x, track_y, sd, rmse column group. A missing estimate stores
// NULL measurements under a false valid flag.
func estimateValues(e *track.Estimate) [6]any {
	if e == nil {
		return [6]any{false, false, nil, nil, nil, nil}
	}
	return [6]any{e.Valid, e.Found, e.TrackX, e.TrackY, e.SD, e.RMSE}
}
