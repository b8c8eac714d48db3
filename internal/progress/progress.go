// Package progress turns the status text printed by the render engine into
// progress updates.
//
// Parsing is best effort: lines without a known marker are ignored. Output
// arrives in arbitrary chunks, so the incomplete trailing line of a chunk is
// carried in State and prepended to the next one.
package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/renderq/internal/model"
)

var (
	frameRx     = regexp.MustCompile(`\bFra:\s*(-?\d+)`)
	elapsedRx   = regexp.MustCompile(`\bTime:\s*(\d[\d:.]*)`)
	remainingRx = regexp.MustCompile(`\bRemaining:\s*(\d[\d:.]*)`)
	savedRx     = regexp.MustCompile(`\bSaved:\s*['"]([^'"]*)['"]`)
	sampleRx    = regexp.MustCompile(`\bSample\s+(\d+)\s*/\s*(\d+)`)
	percentRx   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	errorRx     = regexp.MustCompile(`\bError:|EXCEPTION`)
)

// maxPartial bounds the carried text of a line which never ends.
const maxPartial = 64 * 1024

// NoPercent marks an absent explicit percentage.
const NoPercent = -1.0

// State is the parsing context passed from one chunk to the next.
type State struct {
	Range   *model.FrameRange
	Frame   int // last known frame, 0 until the first frame marker
	Percent int
	Partial string // incomplete trailing line
}

// NewState returns the initial state of a run rendering frames.
func NewState(frames *model.FrameRange) State {
	st := State{Range: frames}
	if degenerate(frames) {
		st.Percent = 100
	}
	return st
}

// Update is the result of parsing one chunk. Frame, TotalFrames and Percent
// are cumulative, the other fields hold signals found in the chunk only.
type Update struct {
	State State

	Frame       int
	TotalFrames int
	Percent     int

	Reported  float64 // explicit percentage, NoPercent if absent
	Elapsed   string
	Remaining string
	Saved     []string
	Errors    []string
	Anomalies []error
}

// Changed reports whether the chunk carried anything besides noise.
func (u Update) Changed(prev State) bool {
	return u.Frame != prev.Frame ||
		u.Percent != prev.Percent ||
		u.Reported != NoPercent ||
		u.Elapsed != "" ||
		u.Remaining != "" ||
		len(u.Saved) > 0 ||
		len(u.Errors) > 0
}

// Parse parses a chunk of engine stdout given the state returned by the
// previous call.
func Parse(chunk string, st State) Update {
	text := st.Partial + chunk
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	st.Partial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if len(st.Partial) > maxPartial {
		st.Partial = st.Partial[len(st.Partial)-maxPartial:]
	}
	return parseLines(lines, st)
}

// Flush parses the text left in st.Partial, call it once the stream ended.
func Flush(st State) Update {
	var lines []string
	if st.Partial != "" {
		lines = []string{st.Partial}
	}
	st.Partial = ""
	return parseLines(lines, st)
}

// TotalFrames returns number of frames rendered for a range, nil means a
// single frame.
func TotalFrames(frames *model.FrameRange) int {
	if frames == nil {
		return 1
	}
	return max(frames.Len(), 0)
}

func parseLines(lines []string, st State) Update {
	u := Update{Reported: NoPercent}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parseLine(line, &st, &u)
	}

	switch {
	case degenerate(st.Range):
		st.Percent = 100
	case !multiFrame(st.Range) && u.Reported != NoPercent:
		// the frame marker says nothing about a single frame job
		st.Percent = max(st.Percent, clamp(int(math.Round(u.Reported))))
	}

	u.State = st
	u.Frame = st.Frame
	u.TotalFrames = TotalFrames(st.Range)
	u.Percent = st.Percent
	return u
}

func parseLine(line string, st *State, u *Update) {
	if m := frameRx.FindStringSubmatch(line); m != nil {
		frame, err := strconv.Atoi(m[1])
		if err != nil {
			u.Anomalies = append(u.Anomalies, fmt.Errorf("%w: frame %q: %w", model.ErrParseAnomaly, m[1], err))
		} else {
			st.Frame = frame
			if multiFrame(st.Range) {
				st.Percent = max(st.Percent, framePercent(frame, *st.Range))
			}
		}
	}

	if m := sampleRx.FindStringSubmatch(line); m != nil {
		done, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		switch {
		case err1 != nil || err2 != nil || total == 0 || done > total:
			u.Anomalies = append(u.Anomalies, fmt.Errorf("%w: samples %q", model.ErrParseAnomaly, m[0]))
		default:
			u.Reported = 100 * float64(done) / float64(total)
		}
	} else if m := percentRx.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil || pct > 100 {
			u.Anomalies = append(u.Anomalies, fmt.Errorf("%w: percentage %q", model.ErrParseAnomaly, m[0]))
		} else {
			u.Reported = pct
		}
	}

	if m := elapsedRx.FindStringSubmatch(line); m != nil {
		u.Elapsed = m[1]
	}
	if m := remainingRx.FindStringSubmatch(line); m != nil {
		u.Remaining = m[1]
	}
	if m := savedRx.FindStringSubmatch(line); m != nil {
		u.Saved = append(u.Saved, m[1])
	}
	if errorRx.MatchString(line) {
		u.Errors = append(u.Errors, strings.TrimSpace(line))
	}
}

// framePercent is round(100 * (frame - start + 1) / total) clamped to 0..100.
func framePercent(frame int, r model.FrameRange) int {
	total := r.Len()
	if total <= 0 {
		return 100
	}
	pct := math.Round(100 * float64(frame-r.Start+1) / float64(total))
	return clamp(int(pct))
}

func multiFrame(r *model.FrameRange) bool {
	return r != nil && r.Len() > 1
}

func degenerate(r *model.FrameRange) bool {
	return r != nil && r.Len() <= 0
}

func clamp(pct int) int {
	return min(max(pct, 0), 100)
}
