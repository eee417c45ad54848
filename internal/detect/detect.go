// Package detect segments a live stream of agent output into completed turns.
//
// The detector consumes raw PTY output bytes in master-read order and
// maintains two views of the stream: the raw bytes (what a turn's content is
// made of) and an ANSI-stripped projection (what the prompt pattern is
// matched against).  A turn is the raw output between the user's input
// submission and the line on which the session's prompt pattern next matches;
// the prompt line itself and the echoed input are excluded.
//
// Processing is strictly per byte, so detector state is identical whether an
// N-byte write arrives as one chunk or as N one-byte chunks.
package detect

import "regexp"

// DefaultMaxTurnBytes caps a single turn's accumulated content.  Output past
// the cap still reaches the user but is dropped from the turn, which is then
// flagged truncated.
const DefaultMaxTurnBytes = 4 * 1024 * 1024

// maxMatchLine caps the stripped-line buffer used for prompt matching.
// Prompts are short; lines longer than this cannot match until the next line
// starts.  The cap bounds both memory and per-byte regex cost under
// adversarial output.
const maxMatchLine = 1024

// Turn is one completed response window.
type Turn struct {
	// Content is the raw bytes of the turn, ANSI sequences included,
	// prompt line and echoed input excluded.
	Content []byte
	// Interrupted is set when the user sent an interrupt during the
	// response window and a prompt was subsequently detected.
	Interrupted bool
	// Truncated is set when the accumulator cap was exceeded; Content
	// holds the first cap bytes of the window.
	Truncated bool
}

// Detector states.  A session starts pre-ready and never returns to it.
const (
	statePreReady = iota // no prompt seen yet; first match is the ready signal
	stateIdle            // prompt on screen, awaiting user input
	stateResponding      // accumulating a response window
)

// Detector is the per-session turn detector.  Not safe for concurrent use;
// the wrapper feeds it from the single PTY-read goroutine.
type Detector struct {
	re      *regexp.Regexp
	maxTurn int

	state int

	strip stripper

	// Stripped bytes of the current visual line, capped at maxMatchLine.
	line         []byte
	lineOverflow bool

	// Response-window accumulation.  rawCount is the virtual length of the
	// window (bytes seen), raw the retained prefix (bytes kept under the
	// cap), lineStart the virtual offset at which the current visual line
	// began.  Content of an emitted turn is raw[:min(lineStart, len(raw))].
	raw       []byte
	rawCount  int
	lineStart int

	interrupted bool
}

// New creates a detector for one session.  The pattern is immutable for the
// detector's lifetime.  maxTurn <= 0 selects DefaultMaxTurnBytes.
func New(re *regexp.Regexp, maxTurn int) *Detector {
	if maxTurn <= 0 {
		maxTurn = DefaultMaxTurnBytes
	}
	return &Detector{re: re, maxTurn: maxTurn}
}

// Ready reports whether the first prompt has been seen.
func (d *Detector) Ready() bool { return d.state != statePreReady }

// Responding reports whether a response window is currently open.
func (d *Detector) Responding() bool { return d.state == stateResponding }

// Submitted tells the detector the user submitted input.  Called by the
// wrapper when the bytes it writes to the PTY master contain a line
// terminator.  Opens a response window when the session is idle.
func (d *Detector) Submitted() {
	if d.state != stateIdle {
		return
	}
	d.state = stateResponding
	d.raw = nil
	d.rawCount = 0
	d.lineStart = 0
	d.interrupted = false
}

// Interrupt tells the detector the user sent the interrupt character.  The
// turn completed by the next prompt detection is marked interrupted.  An
// interrupt outside a response window is ignored: before the first prompt it
// can produce no turn, and between turns there is nothing to mark.
func (d *Detector) Interrupt() {
	if d.state == stateResponding {
		d.interrupted = true
	}
}

// Feed consumes one chunk of raw child output and returns any turns it
// completed.  The caller forwards the same bytes to the user's terminal
// independently; Feed never blocks and never modifies p.
func (d *Detector) Feed(p []byte) []Turn {
	var turns []Turn
	for _, b := range p {
		if t := d.feedByte(b); t != nil {
			turns = append(turns, *t)
		}
	}
	return turns
}

func (d *Detector) feedByte(b byte) *Turn {
	d.accumulate(b)

	out, ok := d.strip.feed(b)
	if !ok {
		return nil
	}
	switch out {
	case '\n':
		d.endLine()
		return nil
	case '\r':
		// The cursor returns to column 0: the visual line restarts, but no
		// line boundary is crossed.
		d.line = d.line[:0]
		d.lineOverflow = false
		return nil
	default:
		if len(d.line) >= maxMatchLine {
			d.lineOverflow = true
			return nil
		}
		d.line = append(d.line, out)
		if d.lineOverflow {
			return nil
		}
		if d.re.Match(d.line) {
			return d.promptDetected()
		}
		return nil
	}
}

// accumulate appends b to the open response window, if any.
func (d *Detector) accumulate(b byte) {
	if d.state != stateResponding {
		return
	}
	// The echo of the submitting keypress arrives right after the window
	// opens; skip bare CR/LF until the window holds anything else.
	if d.rawCount == 0 && (b == '\r' || b == '\n') {
		return
	}
	d.rawCount++
	if len(d.raw) < d.maxTurn {
		d.raw = append(d.raw, b)
	}
}

// endLine finalizes the current visual line.  The line's bytes were already
// matched incrementally, so only the bookkeeping remains.
func (d *Detector) endLine() {
	d.line = d.line[:0]
	d.lineOverflow = false
	if d.state == stateResponding {
		d.lineStart = d.rawCount
	}
}

// promptDetected handles a pattern match on the current line.
func (d *Detector) promptDetected() *Turn {
	switch d.state {
	case statePreReady:
		// Session-ready signal; no turn.
		d.state = stateIdle
		d.interrupted = false
		return nil

	case stateIdle:
		// Prompt redraw with no response window open; nothing to emit.
		return nil

	default: // stateResponding
		end := d.lineStart
		if end > len(d.raw) {
			end = len(d.raw)
		}
		content := d.raw[:end]

		// Truncated only when the content region itself extends past the
		// retained bytes; an oversized prompt line does not count.
		truncated := d.lineStart > len(d.raw)
		interrupted := d.interrupted

		d.state = stateIdle
		d.raw = nil
		d.rawCount = 0
		d.lineStart = 0
		d.interrupted = false

		if len(content) == 0 {
			// Consecutive prompts with nothing between them emit no turn.
			return nil
		}
		out := make([]byte, len(content))
		copy(out, content)
		return &Turn{Content: out, Interrupted: interrupted, Truncated: truncated}
	}
}
