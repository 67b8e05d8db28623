package track

import (
	"encoding/json"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/image/tiff"

	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/fsutil"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/security"
)

// dumpMinGap limits dump frequency regardless of the every-Nth setting,
// so a misconfigured divisor cannot fill a disk at frame rate.
const dumpMinGap = time.Second

// FrameDumper writes every Nth processed frame to disk as a 16-bit
// grayscale TIFF plus a JSON sidecar with the tracker state at capture
// time. Dump failures are logged and never interrupt the pipeline.
type FrameDumper struct {
	dir   string
	every uint64
	fs    fsutil.FileSystem

	mu   sync.Mutex
	n    uint64
	last time.Time
}

// NewFrameDumper creates the dump directory if needed. every is the
// frame divisor and must be at least 1.
func NewFrameDumper(dir string, every int) (*FrameDumper, error) {
	return newFrameDumper(dir, every, fsutil.OSFileSystem{})
}

func newFrameDumper(dir string, every int, fs fsutil.FileSystem) (*FrameDumper, error) {
	if every < 1 {
		return nil, fmt.Errorf("frame dumper: every must be at least 1, got %d", every)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("frame dumper: %w", err)
	}
	return &FrameDumper{dir: dir, every: uint64(every), fs: fs}, nil
}

// Dir returns the dump directory.
func (d *FrameDumper) Dir() string { return d.dir }

type dumpMeta struct {
	Camera string    `json:"camera"`
	Seq    uint64    `json:"seq"`
	Stamp  time.Time `json:"stamp"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Track  *Estimate `json:"track,omitempty"`
}

// MaybeDump writes the frame if it falls on the divisor and the minimum
// gap since the previous dump has passed.
func (d *FrameDumper) MaybeDump(f device.Frame, est *Estimate) {
	d.mu.Lock()
	d.n++
	due := d.n%d.every == 0 && time.Since(d.last) >= dumpMinGap
	if due {
		d.last = time.Now()
	}
	d.mu.Unlock()
	if !due {
		return
	}
	if err := d.write(f, est); err != nil {
		monitoring.Logf("track: frame dump failed: %v", err)
	}
}

func (d *FrameDumper) write(f device.Frame, est *Estimate) error {
	name := "frame"
	if est != nil {
		name = est.Camera
	}
	base := fmt.Sprintf("%s_%s_%06d",
		security.SanitizeFilename(name), f.Stamp.UTC().Format("20060102T150405.000"), f.Seq)

	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix[:f.Width*f.Height] {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	tf, err := d.fs.Create(filepath.Join(d.dir, base+".tiff"))
	if err != nil {
		return err
	}
	if err := tiff.Encode(tf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		tf.Close()
		return err
	}
	if err := tf.Close(); err != nil {
		return err
	}

	meta := dumpMeta{
		Camera: name,
		Seq:    f.Seq,
		Stamp:  f.Stamp,
		Width:  f.Width,
		Height: f.Height,
		Track:  est,
	}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return d.fs.WriteFile(filepath.Join(d.dir, base+".json"), buf, 0o644)
}
