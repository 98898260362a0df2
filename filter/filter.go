// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package filter evaluates CEL rules against the peer address of incoming
// connections. Rules vet peers before dispatch: the first matching rule
// decides, later rules are not evaluated, and a connection matching no rule
// is allowed.
package filter

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/cel-go/cel"

	"subtrace.dev/asock"
)

type Action string

const (
	ActionInvalid Action = ""
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
)

// Rule is one compiled peer predicate.
type Rule struct {
	If   string `yaml:"if"`
	Then Action `yaml:"then"`

	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("peer", cel.DynType))
}

// Compile typechecks the rule's predicate. The expression sees a `peer` map
// with `ip` (string), `port` (int), and `family` ("inet", "inet6", "unix").
func (r *Rule) Compile(env *cel.Env) error {
	switch r.Then {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("invalid action %q: expected %q or %q", r.Then, ActionAllow, ActionDeny)
	}

	ast, iss := env.Compile(r.If)
	if err := iss.Err(); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	r.program = program
	return nil
}

func (r *Rule) matches(peer map[string]any) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{"peer": peer})
	if err != nil {
		return false, fmt.Errorf("evaluating rule %q: %w", r.If, err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluating rule %q: expected bool but got %T", r.If, out.Value())
	}
	return match, nil
}

// Filter is an ordered rule list implementing asock.ConnectionFilter.
type Filter struct {
	rules []*Rule
}

// New compiles rules into a filter. A static evaluation against a dummy
// peer catches rules that only fail at runtime.
func New(rules []*Rule) (*Filter, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	for i, rule := range rules {
		if err := rule.Compile(env); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, err := rule.matches(dummyPeer); err != nil {
			return nil, fmt.Errorf("rule %d: static test: %w", i, err)
		}
	}
	return &Filter{rules: rules}, nil
}

// Allow reports whether peer passes the rule list. Evaluation errors skip
// the rule: admission stays robust when a rule goes bad at runtime.
func (f *Filter) Allow(peer asock.Addr) bool {
	if len(f.rules) == 0 {
		return true
	}

	celPeer := peerValue(peer)
	for _, rule := range f.rules {
		match, err := rule.matches(celPeer)
		if err != nil {
			slog.Error("skipping accept filter rule", "rule", rule.If, "err", err)
			continue
		}
		if match {
			return rule.Then == ActionAllow
		}
	}
	return true
}

func peerValue(peer asock.Addr) map[string]any {
	family := "unix"
	ip := ""
	switch {
	case peer.IP.IsValid() && peer.IP.Addr().Is4():
		family, ip = "inet", peer.IP.Addr().String()
	case peer.IP.IsValid():
		family, ip = "inet6", peer.IP.Addr().String()
	}
	return map[string]any{
		"ip":     ip,
		"port":   int(peer.Port()),
		"family": family,
	}
}

var dummyPeer = map[string]any{
	"ip":     "192.0.2.1",
	"port":   12345,
	"family": "inet",
}
