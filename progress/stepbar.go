package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const stepBarWidth = 30

// StepBar shows optimization progress with the latest guidance step.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
	started time.Time
	detail  string
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

// Set records the number of finished steps and a short status such as the
// sampled timestep.
func (s *StepBar) Set(current int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.detail = min(current, s.total), detail
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ratio float64
	if s.total > 0 {
		ratio = float64(s.current) / float64(s.total)
	}
	filled := int(ratio * stepBarWidth)

	var eta string
	if s.current > 0 && s.current < s.total {
		per := time.Since(s.started) / time.Duration(s.current)
		eta = " " + (per * time.Duration(s.total-s.current)).Round(time.Second).String()
	}

	// "Optimizing  40% ▕████████████                  ▏ 40/100 12s t=421"
	line := fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d%s",
		s.message, ratio*100,
		strings.Repeat("█", filled), strings.Repeat(" ", stepBarWidth-filled),
		s.current, s.total, eta)
	if s.detail != "" {
		line += " " + s.detail
	}
	return line
}
