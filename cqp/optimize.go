// Copyright 2024 Tomas Machalek <tomas.machalek@gmail.com>
// Copyright 2024 Institute of the Czech National Corpus,
//                Faculty of Arts, Charles University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cqp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RewriteStatus tells what Optimize did with a query.
type RewriteStatus int

const (
	// NotNeeded - the query is too simple to benefit from rewriting
	NotNeeded RewriteStatus = iota
	// NotPossible - a precondition failed, the original query is kept
	NotPossible
	// Rewritten - the query was converted into a composite (MU) form
	Rewritten
)

// token-final wildcard distances are capped here; anything at or above
// is treated as "anywhere within the enclosing structure"
const unboundedGap = 9999

var (
	reBoundedGap = regexp.MustCompile(`\{\s*(\d+)\s*,\s*(\d*)\s*\}$`)
	reExactGap   = regexp.MustCompile(`\{\s*(\d+)\s*\}$`)
	reRepetition = regexp.MustCompile(`\{.*?\}$`)
)

// ErrWildcardInFreeQuery is returned when a free word-order query
// contains a wildcard token, which the composite form cannot express.
var ErrWildcardInFreeQuery = errors.New("wildcards not allowed in free order query")

// Optimize tries to rewrite a multi-token query into a composite MU
// (meet) query which the engine evaluates considerably faster. Wildcard
// tokens ("[]", "[]{n,m}") become distance ranges between their
// neighbours. When findMatch is set the rewritten query is followed by
// a match-restoring re-run of the original over the narrowed regions;
// with expand the matches grow to the enclosing structure instead.
// freeSearch drops the token order requirement altogether.
//
// Whatever the status, the returned command list is complete and
// runnable - on NotNeeded and NotPossible it holds the original query.
func Optimize(query string, p Params, findMatch, expand, freeSearch bool) (RewriteStatus, []string, error) {
	tokens, rest := ParseTokens(query)
	within := p.Within

	leadingWildcards := false
	if freeSearch {
		for _, t := range tokens {
			if strings.HasPrefix(t, "[]") {
				return NotPossible, nil, ErrWildcardInFreeQuery
			}
		}

	} else {
		// wildcards at the edges do not constrain the match
		for len(tokens) > 0 && strings.HasPrefix(tokens[0], "[]") {
			leadingWildcards = true
			tokens = tokens[1:]
		}
		for len(tokens) > 0 && strings.HasPrefix(tokens[len(tokens)-1], "[]") {
			tokens = tokens[:len(tokens)-1]
		}
	}

	if len(tokens) == 0 || (len(tokens) == 1 && !leadingWildcards) {
		return NotNeeded, SafeCommands(Combine(query, p)), nil
	}
	if rest || within == "" {
		return NotPossible, SafeCommands(Combine(query, p)), nil
	}

	var mu strings.Builder
	mu.WriteString("MU")
	wildcards := make(map[int][2]int)

	for i := 0; i < len(tokens)-1; i++ {
		tok := tokens[i]
		if strings.HasPrefix(tok, "[]") {
			n1, n2 := -1, -1
			if tok == "[]" {
				n1, n2 = 1, 1

			} else if m := reBoundedGap.FindStringSubmatch(tok); m != nil {
				n1, _ = strconv.Atoi(m[1])
				if m[2] == "" {
					n2 = unboundedGap

				} else {
					n2, _ = strconv.Atoi(m[2])
				}

			} else if m := reExactGap.FindStringSubmatch(tok); m != nil {
				n1, _ = strconv.Atoi(m[1])
				n2 = n1
			}
			if n1 >= 0 {
				wildcards[i] = [2]int{n1, n2}
			}
			continue
		}
		if reRepetition.MatchString(tok) {
			// a repeated token has no fixed distance to its neighbour
			return NotPossible, SafeCommands(Combine(query, p)), nil
		}
		fmt.Fprintf(&mu, " (meet %s", tok)
	}
	if reRepetition.MatchString(tokens[len(tokens)-1]) {
		return NotPossible, SafeCommands(Combine(query, p)), nil
	}
	fmt.Fprintf(&mu, " %s", tokens[len(tokens)-1])

	gap := [2]int{1, 1}
	for i := len(tokens) - 2; i >= 0; i-- {
		if w, ok := wildcards[i]; ok {
			gap[0] += w[0]
			gap[1] += w[1]
			continue
		}
		if _, ok := wildcards[i+1]; ok {
			if gap[1] >= unboundedGap {
				fmt.Fprintf(&mu, " %s)", within)

			} else {
				fmt.Fprintf(&mu, " %d %d)", gap[0], gap[1])
			}
			gap = [2]int{1, 1}

		} else if freeSearch {
			fmt.Fprintf(&mu, " %s)", within)

		} else {
			mu.WriteString(" 1 1)")
		}
	}

	head := mu.String()
	var cmd []string
	switch {
	case findMatch && !freeSearch:
		if leadingWildcards {
			head += fmt.Sprintf(" expand to %s;", within)

		} else {
			head += fmt.Sprintf(" expand right to %s;", within)
		}
		cmd = append(cmd, head, "Last;")
		cmd = append(cmd, SafeCommands(Combine(query, p))...)
	case expand || freeSearch:
		cmd = append(cmd, head+fmt.Sprintf(" expand to %s;", within))
	default:
		cmd = append(cmd, head+";")
	}
	return Rewritten, cmd, nil
}
