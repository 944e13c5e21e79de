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

import "fmt"

// Chain is a named ordered list of mark-rules and match-rules (§3 "Chain").
// Mark-rules always evaluate before match-rules (§4.E "Rule-table / HTTP
// scheduler"); within each list, order is evaluation order, and a wildcard
// default rule — if present — must be last.
type Chain struct {
	Name       string
	MarkRules  []Rule
	MatchRules []Rule
}

// validateWildcardLast enforces that a FieldWildcard rule, if
// present in MatchRules, is the final entry (§4.E grammar note).
func (c *Chain) validateWildcardLast() error {
	for i, r := range c.MatchRules {
		if r.Field == FieldWildcard && i != len(c.MatchRules)-1 {
			return fmt.Errorf("rules: chain %q: wildcard default rule must be last", c.Name)
		}
	}
	return nil
}
