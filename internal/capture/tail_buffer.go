package capture

import (
	"bufio"
	"io"
	"sync"
)

const defaultStderrLineBytes = 16 * 1024

// stderrTail keeps the last lines a camera command wrote to stderr, so a
// failed capture can report what the tool said.
type stderrTail struct {
	mu      sync.Mutex
	keep    int
	lineMax int
	lines   []string
}

func newStderrTail(keep, lineMax int) *stderrTail {
	if keep < 0 {
		keep = 0
	}
	if lineMax <= 0 {
		lineMax = defaultStderrLineBytes
	}
	return &stderrTail{keep: keep, lineMax: lineMax}
}

func (t *stderrTail) add(line string) {
	if len(line) > t.lineMax {
		line = line[:t.lineMax]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keep == 0 {
		return
	}
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.keep; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
}

func (t *stderrTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// last is the most recent stderr line, or "" when the command was silent.
func (t *stderrTail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.lines); n > 0 {
		return t.lines[n-1]
	}
	return ""
}

// drain copies r into t line by line until EOF.
func (t *stderrTail) drain(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), t.lineMax)
	for sc.Scan() {
		t.add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.add("stderr read: " + err.Error())
	}
}
