// Package replay plays back a recording of local detections, so that a tracker can run
// without an on-device neural network.
//
// A recording is a JSON-lines file. Each line is one frame:
//
//	{"width":320,"height":256,"objects":[{"kind":"person","box":{"x1":10,"y1":20,"x2":50,"y2":120},"confidence":0.8}]}
//
// Blank lines and lines starting with '#' are ignored.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/fusion/pkg/nn"
)

// SYNC-REPLAY-RECORD
type Record struct {
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Objects []nn.RawDetection `json:"objects"`
}

type Recording struct {
	Records []Record
}

// Load a recording from a JSON-lines file
func Load(filename string) (*Recording, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rec, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("Error reading recording %v: %w", filename, err)
	}
	return rec, nil
}

// Parse a JSON-lines recording
func Parse(r io.Reader) (*Recording, error) {
	rec := &Recording{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		frame := Record{}
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return nil, fmt.Errorf("line %v: %w", lineNo, err)
		}
		rec.Records = append(rec.Records, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Player is both the frame source and the object detector for a replayed camera.
// Frame N (1-based) maps to record (N-1) mod len(records), so DetectObjects needs no state
// other than the frame itself, and frames that the tracker skips simply never get detected.
type Player struct {
	cameraID int64
	rec      *Recording
	loop     bool
	seq      atomic.Int64
	closed   atomic.Bool
}

func NewPlayer(rec *Recording, cameraID int64, loop bool) *Player {
	return &Player{
		cameraID: cameraID,
		rec:      rec,
		loop:     loop,
	}
}

// NextFrame returns the next frame, or nil once the recording is exhausted (and not looping)
func (p *Player) NextFrame() *nn.Frame {
	n := int64(len(p.rec.Records))
	if n == 0 || p.closed.Load() {
		return nil
	}
	seq := p.seq.Add(1)
	if !p.loop && seq > n {
		return nil
	}
	r := &p.rec.Records[(seq-1)%n]
	return &nn.Frame{
		CameraID: p.cameraID,
		Seq:      seq,
		Width:    r.Width,
		Height:   r.Height,
		PTS:      time.Now(),
	}
}

// DetectObjects returns the recorded detections of the frame
func (p *Player) DetectObjects(ctx context.Context, frame *nn.Frame) ([]nn.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int64(len(p.rec.Records))
	if frame.Seq < 1 || n == 0 {
		return nil, fmt.Errorf("Frame %v is not part of this recording", frame.Seq)
	}
	src := p.rec.Records[(frame.Seq-1)%n].Objects
	out := make([]nn.RawDetection, len(src))
	copy(out, src)
	return out, nil
}

func (p *Player) Close() {
	p.closed.Store(true)
}
