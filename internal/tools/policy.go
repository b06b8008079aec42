package tools

import (
	"fmt"
	"sync"
)

// Permission labels used by the builtin tools.
const (
	PermRead   = "read"   // filesystem reads, forge reads
	PermWrite  = "write"  // filesystem writes
	PermExec   = "exec"   // shell execution
	PermForge  = "forge"  // forge writes (PRs, comments)
	PermNotify = "notify" // operator notification
	PermAsk    = "ask"    // user-mediated suspension
)

// PolicyEngine is a label-based allow/deny table, optionally scoped by
// channel. Updates take an exclusive lock but are infrequent (admin API).
type PolicyEngine struct {
	mu             sync.RWMutex
	denied         map[string]bool            // permission label → denied
	deniedChannels map[string]map[string]bool // channel → label → denied
}

func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{
		denied:         make(map[string]bool),
		deniedChannels: make(map[string]map[string]bool),
	}
}

// Deny blocks a permission label globally.
func (p *PolicyEngine) Deny(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[label] = true
}

// DenyForChannel blocks a label for invocations originating on a channel.
func (p *PolicyEngine) DenyForChannel(channel, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.deniedChannels[channel]
	if !ok {
		m = make(map[string]bool)
		p.deniedChannels[channel] = m
	}
	m[label] = true
}

// Allow implements the Policy interface.
func (p *PolicyEngine) Allow(inv *Invocation, permission string) error {
	if permission == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.denied[permission] {
		return fmt.Errorf("label %q is disabled", permission)
	}
	if m, ok := p.deniedChannels[inv.Channel]; ok && m[permission] {
		return fmt.Errorf("label %q is disabled for channel %q", permission, inv.Channel)
	}
	return nil
}
