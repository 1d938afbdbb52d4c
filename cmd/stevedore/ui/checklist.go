package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const spinInterval = 100 * time.Millisecond

var spinner = []rune("⣾⣽⣻⢿⡿⣟⣯⣷")

// liveChecklist keeps the release steps on screen and rewrites them in
// place as spans start and end. Running steps tick with their elapsed time.
type liveChecklist struct {
	out  io.Writer
	now  func() time.Time
	done chan struct{}
	stop sync.Once

	mu    sync.Mutex
	steps []stepState
	drawn int
	tick  int
}

func newLiveChecklist(out io.Writer) *liveChecklist {
	return &liveChecklist{out: out, now: time.Now, done: make(chan struct{})}
}

func (c *liveChecklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.steps != nil
	c.steps = snap.Steps
	c.paint()
	if !started {
		go c.animate()
	}
}

// Close stops the animation; the last painted frame stays on screen.
func (c *liveChecklist) Close() {
	c.stop.Do(func() { close(c.done) })
}

func (c *liveChecklist) animate() {
	t := time.NewTicker(spinInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			c.tick++
			c.paint()
			c.mu.Unlock()
		}
	}
}

// paint moves the cursor back over the previous frame and writes the
// current one. Caller holds c.mu.
func (c *liveChecklist) paint() {
	var b strings.Builder
	if c.drawn > 0 {
		fmt.Fprintf(&b, "\033[%dA", c.drawn)
	}
	for _, s := range c.steps {
		b.WriteString("\r" + c.row(s) + "\033[K\n")
	}
	for n := len(c.steps); n < c.drawn; n++ {
		b.WriteString("\r\033[K\n")
	}
	c.drawn = max(c.drawn, len(c.steps))
	_, _ = io.WriteString(c.out, b.String())
}

func (c *liveChecklist) row(s stepState) string {
	title, extra := s.Title, s.Message
	var icon string
	switch s.Status {
	case stepRunning:
		icon = Accent(string(spinner[c.tick%len(spinner)]))
		if !s.Started.IsZero() {
			if d := c.now().Sub(s.Started); d >= time.Second {
				extra = strings.TrimSpace(extra + " " + d.Truncate(time.Second).String())
			}
		}
	case stepDone:
		icon = Success("✓")
		extra = strings.TrimSpace(extra + " " + s.took())
	case stepFailed:
		icon, title = ErrorStyle.Render("✗"), ErrorStyle.Render(title)
		extra = strings.TrimSpace(s.took() + " " + extra)
	default:
		icon, title = Muted("·"), Muted(title)
	}
	if extra != "" {
		return s.indent() + icon + " " + title + " " + Muted(extra)
	}
	return s.indent() + icon + " " + title
}
