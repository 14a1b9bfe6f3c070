package widget

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TokenLifetime is how long a solved stub token stays valid.
const TokenLifetime = 5 * time.Minute

// Stub is a deterministic Provider for tests and local development. Nothing
// is solved until Solve is called.
type Stub struct {
	// TokenPrefix is prepended to every token the stub issues.
	TokenPrefix string
	Now         func() time.Time

	mu      sync.Mutex
	next    int
	issued  int
	widgets map[Handle]*stubWidget
}

type stubWidget struct {
	container string
	opts      Options
	token     string
	solvedAt  time.Time
}

func (s *Stub) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Stub) Render(container string, opts Options) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.widgets == nil {
		s.widgets = make(map[Handle]*stubWidget)
	}
	s.next++
	h := Handle(fmt.Sprintf("cf-chl-widget-%d", s.next))
	s.widgets[h] = &stubWidget{container: container, opts: opts}
	return h, nil
}

// Solve completes the challenge in widget h and returns the issued token.
func (s *Stub) Solve(h Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[h]
	if !ok {
		return "", errors.Errorf("stub: no widget %q", h)
	}
	s.issued++
	w.token = fmt.Sprintf("%s%d", s.TokenPrefix, s.issued)
	w.solvedAt = s.now()
	return w.token, nil
}

func (s *Stub) Response(h Handle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[h]
	if !ok || w.token == "" {
		return ""
	}
	if s.now().Sub(w.solvedAt) >= TokenLifetime {
		return ""
	}
	return w.token
}

func (s *Stub) Reset(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[h]
	if !ok {
		return errors.Errorf("stub: no widget %q", h)
	}
	w.token = ""
	w.solvedAt = time.Time{}
	return nil
}

func (s *Stub) Remove(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.widgets, h)
	return nil
}

// Options returns the options widget h was rendered with.
func (s *Stub) Options(h Handle) (Options, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[h]
	if !ok {
		return Options{}, false
	}
	return w.opts, true
}

// MemDocument is a Document that records injected scripts.
type MemDocument struct {
	mu      sync.Mutex
	scripts map[string]int
}

func (d *MemDocument) InjectScript(src string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scripts == nil {
		d.scripts = make(map[string]int)
	}
	d.scripts[src]++
	return nil
}

func (d *MemDocument) RemoveScript(src string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scripts[src] == 0 {
		return errors.Errorf("script %s not present", src)
	}
	d.scripts[src]--
	if d.scripts[src] == 0 {
		delete(d.scripts, src)
	}
	return nil
}

// Scripts returns how many times src is currently present.
func (d *MemDocument) Scripts(src string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scripts[src]
}
