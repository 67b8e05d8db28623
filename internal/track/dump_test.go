package track

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/fsutil"
	"github.com/lodestar-obs/groundstation/internal/testutil"
)

func dumpFrame(seq uint64, stamp time.Time) device.Frame {
	return device.Frame{Seq: seq, Stamp: stamp, Width: 4, Height: 4, Pix: make([]uint16, 16)}
}

func TestFrameDumperDivisor(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	d, err := newFrameDumper("dumps", 2, fs)
	testutil.AssertNoError(t, err)

	stamp := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	est := &Estimate{Camera: "coarse cam", Seq: 2, Found: true}
	d.MaybeDump(dumpFrame(1, stamp), est)
	d.MaybeDump(dumpFrame(2, stamp), est)

	// The camera name is sanitised in the file name but kept verbatim in
	// the sidecar.
	base := "dumps/coarse_cam_20260501T030000.000_000002"
	if !fs.Exists(base + ".tiff") {
		t.Fatal("tiff not written on the divisor frame")
	}
	buf, err := fs.ReadFile(base + ".json")
	testutil.AssertNoError(t, err)
	var meta struct {
		Camera string `json:"camera"`
		Seq    uint64 `json:"seq"`
		Width  int    `json:"width"`
	}
	testutil.AssertNoError(t, json.Unmarshal(buf, &meta))
	if meta.Camera != "coarse cam" || meta.Seq != 2 || meta.Width != 4 {
		t.Errorf("sidecar meta = %+v", meta)
	}

	if fs.Exists("dumps/coarse_cam_20260501T030000.000_000001.tiff") {
		t.Error("off-divisor frame dumped")
	}
}

func TestFrameDumperBareFrameName(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	d, err := newFrameDumper("dumps", 1, fs)
	testutil.AssertNoError(t, err)

	// Without tracker state the files are named after a bare frame.
	stamp := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	d.MaybeDump(dumpFrame(7, stamp), nil)
	if !fs.Exists("dumps/frame_20260501T030000.000_000007.tiff") {
		t.Fatal("bare frame not dumped")
	}
	if !fs.Exists("dumps/frame_20260501T030000.000_000007.json") {
		t.Fatal("sidecar not written")
	}
}
