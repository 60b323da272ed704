package common

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// ErrInvalidArgument is wrapped by the invalid-input errors of every native module.
var ErrInvalidArgument = errors.New("invalid argument")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is an in-memory PauseView toggled by operators.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauses returns a set with the supplied modules paused.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]struct{})}
	for _, module := range modules {
		p.Set(module, true)
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[normalizeModule(module)]
	return ok
}

// Set pauses or resumes module.
func (p *Pauses) Set(module string, paused bool) {
	key := normalizeModule(module)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = struct{}{}
		return
	}
	delete(p.paused, key)
}

// Modules lists the paused modules in lexical order.
func (p *Pauses) Modules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module := range p.paused {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
