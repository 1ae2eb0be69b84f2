// Package actions implements the containment actions the response engine
// can dispatch. Every action runs in simulation unless production mode is
// explicitly enabled; simulation records the intended effect without
// touching the data plane. Installs are idempotent per (type, target) and
// reversible actions hand back an opaque revert token.
package actions

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotReversible reports a revert attempt on an irreversible action.
	ErrNotReversible = errors.New("actions: action is not reversible")
	// ErrUnknownToken reports a revert token no install ever issued.
	ErrUnknownToken = errors.New("actions: unknown revert token")
	// ErrUnknownAction reports an action type missing from the registry.
	ErrUnknownAction = errors.New("actions: unknown action type")
)

// Result is the outcome of one action execution.
type Result struct {
	Message     string
	Reversible  bool
	RevertToken string
}

// Action is the plug-in contract for one action type.
type Action interface {
	Type() string
	Execute(ctx context.Context, target string, params map[string]any) (Result, error)
	Revert(ctx context.Context, token string) (string, error)
}

// Install is one applied action as remembered by the ledger.
type Install struct {
	ActionType   string
	Target       string
	Params       map[string]any
	Result       string
	Token        string
	Reverted     bool
	RevertResult string
}

// Ledger tracks applied installs across all actions so a second install
// against the same (type, target) returns the existing token instead of
// stacking rules, and so reverting twice is a no-op.
type Ledger struct {
	mu      sync.Mutex
	byKey   map[string]*Install
	byToken map[string]*Install
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byKey:   make(map[string]*Install),
		byToken: make(map[string]*Install),
	}
}

func installKey(actionType, target string) string {
	return actionType + ":" + target
}

// Active returns the live (non-reverted) install for (actionType, target).
func (l *Ledger) Active(actionType, target string) (Install, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.byKey[installKey(actionType, target)]
	if !ok || inst.Reverted {
		return Install{}, false
	}
	return *inst, true
}

// Record remembers a fresh install and issues its revert token.
func (l *Ledger) Record(actionType, target string, params map[string]any, result string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	inst := &Install{
		ActionType: actionType,
		Target:     target,
		Params:     params,
		Result:     result,
		Token:      uuid.NewString(),
	}
	l.byKey[installKey(actionType, target)] = inst
	l.byToken[inst.Token] = inst
	return inst.Token
}

// Get returns the install behind a token.
func (l *Ledger) Get(token string) (Install, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.byToken[token]
	if !ok {
		return Install{}, false
	}
	return *inst, true
}

// MarkReverted records the outcome of a revert. Later reverts of the same
// token read this result back instead of acting again.
func (l *Ledger) MarkReverted(token, result string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst, ok := l.byToken[token]; ok {
		inst.Reverted = true
		inst.RevertResult = result
		delete(l.byKey, installKey(inst.ActionType, inst.Target))
	}
}

// Config selects execution mode and data-plane parameters for the
// built-in actions.
type Config struct {
	Production    bool   // false = every action simulates
	HoneypotIP    string // DNAT destination for redirect_to_honeypot
	QuarantineDir string // destination directory for quarantine_file
	DockerNetwork string // network isolate_container disconnects from
}

// Registry maps action type names to their implementations.
type Registry struct {
	actions map[string]Action
	ledger  *Ledger
}

// NewRegistry builds the registry of built-in actions sharing one ledger.
func NewRegistry(cfg Config) *Registry {
	if cfg.HoneypotIP == "" {
		cfg.HoneypotIP = "10.0.0.100"
	}
	if cfg.QuarantineDir == "" {
		cfg.QuarantineDir = "/var/quarantine"
	}
	if cfg.DockerNetwork == "" {
		cfg.DockerNetwork = "bridge"
	}

	ledger := NewLedger()
	r := &Registry{actions: make(map[string]Action), ledger: ledger}
	for _, a := range []Action{
		&logOnly{},
		&rateLimit{cfg: cfg, ledger: ledger},
		&blockIP{cfg: cfg, ledger: ledger},
		&isolateContainer{cfg: cfg, ledger: ledger},
		&redirectToHoneypot{cfg: cfg, ledger: ledger},
		&quarantineFile{cfg: cfg, ledger: ledger},
	} {
		r.actions[a.Type()] = a
	}
	return r
}

// Register adds or replaces an action implementation. Built-ins can be
// shadowed, which is how deployments swap in site-specific handlers.
func (r *Registry) Register(a Action) {
	r.actions[a.Type()] = a
}

// Get looks an action up by type name.
func (r *Registry) Get(name string) (Action, error) {
	a, ok := r.actions[name]
	if !ok {
		return nil, ErrUnknownAction
	}
	return a, nil
}

// Has reports whether the named action type is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// Ledger exposes the shared install ledger.
func (r *Registry) Ledger() *Ledger { return r.ledger }
