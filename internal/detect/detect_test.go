package detect

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var promptRe = regexp.MustCompile(`^> $`)

// ready feeds the first prompt so the detector leaves pre-ready.
func ready(t *testing.T, d *Detector) {
	t.Helper()
	turns := d.Feed([]byte("> "))
	assert.Empty(t, turns, "first prompt must not emit a turn")
	require.True(t, d.Ready())
}

func TestFirstPromptIsReadySignal(t *testing.T) {
	d := New(promptRe, 0)
	assert.False(t, d.Ready())
	ready(t, d)
}

func TestBasicTurn(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	turns := d.Feed([]byte("\r\nhello\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("hello\n"), turns[0].Content)
	assert.False(t, turns[0].Interrupted)
	assert.False(t, turns[0].Truncated)
}

func TestPromptLineExcluded(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	// ANSI on the prompt line belongs to the prompt line and is excluded.
	turns := d.Feed([]byte("\x1b[32mhello\x1b[0m\n\x1b[1m> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("\x1b[32mhello\x1b[0m\n"), turns[0].Content)
}

func TestEchoedInputExcluded(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	// The child echoes the submitting CR/LF before the response proper.
	turns := d.Feed([]byte("\r\nresponse\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("response\n"), turns[0].Content)
}

func TestChunkInvariance(t *testing.T) {
	stream := []byte("\x1b]0;title\x07> \r\nech\x1b[1mo\x1b[0m\nmore\n\x9b32m> ")

	feedAll := func(d *Detector, submitAt int) []Turn {
		var turns []Turn
		for i, b := range stream {
			if i == submitAt {
				d.Submitted()
			}
			turns = append(turns, d.Feed([]byte{b})...)
		}
		return turns
	}

	// One-byte chunks.
	d1 := New(promptRe, 0)
	got1 := feedAll(d1, 13)

	// Bulk chunks around the same submission point.
	d2 := New(promptRe, 0)
	var got2 []Turn
	got2 = append(got2, d2.Feed(stream[:13])...)
	d2.Submitted()
	got2 = append(got2, d2.Feed(stream[13:])...)

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, got1[0], got2[0])
}

func TestNoEmptyTurn(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	// Only the echoed newline, then the prompt again: nothing to emit.
	turns := d.Feed([]byte("\r\n> "))
	assert.Empty(t, turns)

	// The detector is idle again and a later real turn still works.
	d.Submitted()
	turns = d.Feed([]byte("\nok\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("ok\n"), turns[0].Content)
}

func TestPromptRedrawWhileIdle(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	// Agents redraw their prompt; no response window is open.
	turns := d.Feed([]byte("\r> \r> \r> "))
	assert.Empty(t, turns)
}

func TestInterruptedTurn(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	assert.Empty(t, d.Feed([]byte("\r\npartial output")))
	d.Interrupt()
	turns := d.Feed([]byte("\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("partial output\n"), turns[0].Content)
	assert.True(t, turns[0].Interrupted)

	// The flag does not leak into the next turn.
	d.Submitted()
	turns = d.Feed([]byte("\nclean\n> "))
	require.Len(t, turns, 1)
	assert.False(t, turns[0].Interrupted)
}

func TestInterruptBeforeFirstPromptProducesNothing(t *testing.T) {
	d := New(promptRe, 0)
	d.Interrupt()
	turns := d.Feed([]byte("banner\n> "))
	assert.Empty(t, turns)
	assert.True(t, d.Ready())

	// The stray interrupt must not mark the first real turn.
	d.Submitted()
	turns = d.Feed([]byte("\nout\n> "))
	require.Len(t, turns, 1)
	assert.False(t, turns[0].Interrupted)
}

func TestInterruptWhileIdleIgnored(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)
	d.Interrupt()

	d.Submitted()
	turns := d.Feed([]byte("\nout\n> "))
	require.Len(t, turns, 1)
	assert.False(t, turns[0].Interrupted)
}

func TestTruncation(t *testing.T) {
	d := New(promptRe, 8)
	ready(t, d)

	d.Submitted()
	turns := d.Feed([]byte("\nabcdefghij\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("abcdefgh"), turns[0].Content)
	assert.True(t, turns[0].Truncated)

	// The cap applies per window, not per session.
	d.Submitted()
	turns = d.Feed([]byte("\nok\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("ok\n"), turns[0].Content)
	assert.False(t, turns[0].Truncated)
}

func TestOversizedPromptLineDoesNotTruncate(t *testing.T) {
	d := New(regexp.MustCompile(`> $`), 4)
	assert.Empty(t, d.Feed([]byte("> ")))
	require.True(t, d.Ready())

	d.Submitted()
	// The content fits the cap; the prompt line alone overflows the
	// accumulator, but it is excluded from the content and must not set
	// the truncated flag.
	assert.Empty(t, d.Feed([]byte("\nok\n")))
	turns := d.Feed([]byte("PROMPT> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("ok\n"), turns[0].Content)
	assert.False(t, turns[0].Truncated)
}

func TestTruncatedMidWindow(t *testing.T) {
	d := New(promptRe, 8)
	ready(t, d)

	d.Submitted()
	// The window overflows before the prompt line; the retained prefix is
	// emitted with the truncated flag.
	assert.Empty(t, d.Feed([]byte("\nok\n")))
	assert.Empty(t, d.Feed(bytes.Repeat([]byte("x"), 64)))
	turns := d.Feed([]byte("\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("ok\nxxxxx"), turns[0].Content)
	assert.True(t, turns[0].Truncated)
}

func TestSecondSubmitDoesNotResetWindow(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	assert.Empty(t, d.Feed([]byte("\nfirst half ")))
	d.Submitted() // user typed again mid-response
	turns := d.Feed([]byte("second half\n> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("first half second half\n"), turns[0].Content)
}

func TestReplacementAcrossTurns(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	a := d.Feed([]byte("\naaa\n> "))
	require.Len(t, a, 1)
	assert.Equal(t, []byte("aaa\n"), a[0].Content)

	d.Submitted()
	b := d.Feed([]byte("\nbbb\n> "))
	require.Len(t, b, 1)
	assert.Equal(t, []byte("bbb\n"), b[0].Content)
}

func TestLongLineCannotMatch(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	// A line past the match cap ending in "> " must not read as a prompt.
	long := strings.Repeat("a", maxMatchLine+10) + "> "
	assert.Empty(t, d.Feed([]byte("\n"+long)))

	// The next real prompt still closes the turn.
	turns := d.Feed([]byte("\n> "))
	require.Len(t, turns, 1)
	assert.True(t, bytes.HasPrefix(turns[0].Content, []byte(long[:10])))
}

func TestCarriageReturnRestartsVisualLine(t *testing.T) {
	d := New(promptRe, 0)
	ready(t, d)

	d.Submitted()
	// Spinner output overwritten via CR, then the prompt drawn after a CR
	// on the same physical line.
	turns := d.Feed([]byte("\nworking...\rdone      \n\r> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("working...\rdone      \n"), turns[0].Content)
}

func TestUnanchoredPatternMatchesWithinLine(t *testing.T) {
	d := New(regexp.MustCompile(`agent> `), 0)
	assert.Empty(t, d.Feed([]byte("\x1b[1magent> ")))
	require.True(t, d.Ready())

	d.Submitted()
	turns := d.Feed([]byte("\nanswer\nagent> "))
	require.Len(t, turns, 1)
	assert.Equal(t, []byte("answer\n"), turns[0].Content)
}

// ─── Stripper ─────────────────────────────────────────────────────────────────

func TestStripSequences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"\x1b[32mgreen\x1b[0m", "green"},
		{"\x1b]0;window title\x07after", "after"},
		{"\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"\x1bPdcs-body\x1b\\after", "after"},
		{"\x1b=\x1b>keys", "keys"},
		{"\x9b1mC1 csi", "C1 csi"},
		{"tab\tand\r\nnewline", "tab\tand\r\nnewline"},
		{"bell\x07gone", "bellgone"},
		{"del\x7fgone", "delgone"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, string(Strip([]byte(c.in))), "input %q", c.in)
	}
}

func TestStripIdempotent(t *testing.T) {
	samples := [][]byte{
		[]byte("\x1b[1;32m> \x1b[0m\r\nhello\x1b]0;t\x07 world\n"),
		[]byte("no escapes at all\n"),
		[]byte("\x1bPsixel\x1b\\\x9b0mmixed\x07\t"),
	}
	for _, s := range samples {
		once := Strip(s)
		assert.Equal(t, once, Strip(once))
	}
}

func TestStripUTF8PassThrough(t *testing.T) {
	in := []byte("\x1b[35m❯ \x1b[0m日本語")
	assert.Equal(t, []byte("❯ 日本語"), Strip(in))
}

func TestUTF8PromptMatch(t *testing.T) {
	d := New(regexp.MustCompile(`^❯ $`), 0)
	assert.Empty(t, d.Feed([]byte("\x1b[35m❯ ")))
	assert.True(t, d.Ready())
}
