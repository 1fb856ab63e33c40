package launcher

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// StatusLine overwrites a single terminal line with the latest progress.
type StatusLine struct {
	mu    sync.Mutex
	w     io.Writer
	width int
}

// NewStatusLine returns a status line writing to w. A nil writer discards.
func NewStatusLine(w io.Writer) *StatusLine {
	return &StatusLine{w: w}
}

// Update replaces the current line with text.
func (s *StatusLine) Update(text string) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pad := ""
	if n := s.width - len(text); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	_, _ = fmt.Fprintf(s.w, "\r%s%s", text, pad)
	s.width = len(text)
}

// Done terminates the line if anything was written.
func (s *StatusLine) Done() {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.width > 0 {
		_, _ = fmt.Fprintln(s.w)
		s.width = 0
	}
}
