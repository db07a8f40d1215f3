// Package progress renders live status lines on a terminal.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

type State interface {
	String() string
}

// Progress redraws its states every interval until stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos int

	ticker *time.Ticker
	done   chan struct{}
	exited chan struct{}
	states []State
}

func NewProgress(w io.Writer) *Progress {
	return newProgress(w, 100*time.Millisecond)
}

func newProgress(w io.Writer, interval time.Duration) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.start(p.ticker.C)
	return p
}

// Stop draws the final state, restores the cursor and reports whether the
// progress was still running.
func (p *Progress) Stop() bool {
	p.mu.Lock()
	running := p.ticker != nil
	if running {
		p.ticker.Stop()
		p.ticker = nil
		close(p.done)
	}
	p.mu.Unlock()

	if running {
		<-p.exited
		p.render()
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return running
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) render() {
	termWidth, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth, termHeight = defaultTermWidth, defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, truncate(p.states[i].String(), termWidth), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = maxHeight
	p.w.Flush()
}

func (p *Progress) start(tick <-chan time.Time) {
	defer close(p.exited)
	for {
		select {
		case <-p.done:
			return
		case <-tick:
			p.render()
		}
	}
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	return string(r[:width])
}
