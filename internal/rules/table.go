// Copyright 2025 The Tempesta-Fwd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"fmt"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// Table is an ordered list of chains, the first (unnamed) entry being the
// table's entry point (§3 "Table").
type Table struct {
	entry  *Chain
	chains map[string]*Chain
	order  []string
}

// NewTable constructs an empty table; entry must be added via AddChain with
// name "" before Eval can be used.
func NewTable() *Table {
	return &Table{chains: make(map[string]*Chain)}
}

// AddChain registers c. A chain named "" becomes the table's entry point.
func (t *Table) AddChain(c *Chain) error {
	if err := c.validateWildcardLast(); err != nil {
		return err
	}
	if _, dup := t.chains[c.Name]; dup {
		return fmt.Errorf("rules: duplicate chain name %q", c.Name)
	}
	t.chains[c.Name] = c
	t.order = append(t.order, c.Name)
	if c.Name == "" {
		t.entry = c
	}
	return nil
}

// Validate runs the T1 acyclicity check over chain(c) jump actions (§8 P8
// "Rule-chain termination"): chain jumps must form a DAG, checked once at
// load time rather than during every request's evaluation. Call this after
// all chains have been added and before the table is put into service.
func (t *Table) Validate() error {
	if t.entry == nil {
		return fmt.Errorf("rules: table has no entry chain")
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(t.chains))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("rules: cycle detected at chain %q", name)
		case black:
			return nil
		}
		color[name] = gray
		c, ok := t.chains[name]
		if !ok {
			return fmt.Errorf("rules: chain %q references undefined chain %q", name, name)
		}
		for _, r := range append(append([]Rule{}, c.MarkRules...), c.MatchRules...) {
			if r.Action.Kind == ActionChain {
				if _, ok := t.chains[r.Action.Chain]; !ok {
					return fmt.Errorf("rules: chain %q jumps to undefined chain %q", name, r.Action.Chain)
				}
				if err := visit(r.Action.Chain); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	return visit("")
}

// Result is the outcome of evaluating the table against a request (§4.E
// "Rule-table / HTTP scheduler").
type Result struct {
	VHost string
	Block bool
	Mark  uint32
	// Matched is false only if evaluation fell off every chain without a
	// rule firing — the table should treat this as "no rule matched" (502).
	Matched bool
}

// Eval walks from the entry chain, evaluating each chain's mark-rules then
// match-rules in order; the first matching rule fires. chain() jumps to
// another chain (already proven acyclic by Validate); vhost() returns the
// vhost name; block() returns Block=true; mark() stamps Result.Mark and
// continues evaluating the SAME chain from its next rule. If no rule in
// any reached chain matches, Matched is false (§4.E: "If no rule matches,
// the request is dropped (502)").
func (t *Table) Eval(req *msg.Request) Result {
	var res Result
	chain := t.entry
	jumps := 0
	for chain != nil {
		// A chain jump count past the number of chains in the table would
		// mean Validate's T1 check was skipped or bypassed; bail out rather
		// than loop forever.
		if jumps > len(t.chains) {
			return res
		}
		next := t.evalChain(chain, req, &res)
		if next == chain {
			return res // terminal action fired, or nothing in the chain matched
		}
		jumps++
		chain = next
	}
	return res
}

// evalChain walks chain's mark-rules then match-rules once, in order. A
// mark rule stamps res.Mark and evaluation continues with the rule right
// after it (never restarting the chain, so a mark rule whose own
// condition remains true after marking cannot loop). A vhost/block rule
// is terminal: evalChain returns chain itself as a sentinel telling Eval
// to stop. A chain() rule returns the target chain so Eval can jump. If no
// rule ever fires, evalChain also returns chain itself (Matched stays
// false, §4.E "If no rule matches, the request is dropped (502)"). A
// chain() rule targeting chain's own name would collide with that same
// sentinel, but Validate's T1 check already rejects any self-jump as a
// cycle, so the ambiguity never arises in a validated table.
func (t *Table) evalChain(chain *Chain, req *msg.Request, res *Result) *Chain {
	allRules := make([]Rule, 0, len(chain.MarkRules)+len(chain.MatchRules))
	allRules = append(allRules, chain.MarkRules...)
	allRules = append(allRules, chain.MatchRules...)

	for i := 0; i < len(allRules); i++ {
		r := allRules[i]
		if !r.Eval(req, res.Mark) {
			continue
		}
		switch r.Action.Kind {
		case ActionMark:
			res.Mark = r.Action.Mark
			continue // keep walking this same chain, next rule
		case ActionVHost:
			res.VHost = r.Action.VHost
			res.Matched = true
			return chain
		case ActionBlock:
			res.Block = true
			res.Matched = true
			return chain
		case ActionChain:
			next, ok := t.chains[r.Action.Chain]
			if !ok {
				return chain // undefined chain; Validate should have caught this
			}
			return next
		}
	}
	return chain
}
