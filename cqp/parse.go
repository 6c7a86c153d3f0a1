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

// Package cqp manipulates CQP queries on the syntactic level: splitting
// them into token groups, attaching extra clauses and rewriting suitable
// queries into faster composite (MU/meet) forms. The query language
// itself stays opaque - we never interpret attribute expressions.
package cqp

import "strings"

// ParseTokens splits a query into its top-level token groups - bracketed
// token expressions (including an attached repetition block such as
// {1,3}) and bare quoted word shorthands. The second return value is
// true when some part of the query could not be attributed to any token
// group, which rules out rewriting the query into a composite form.
func ParseTokens(query string) ([]string, bool) {
	cq := []rune(query)
	var sections [][2]int
	var (
		lastStart int
		inBracket bool
		inQuote   bool
		inCurly   bool
		escaping  bool
		quoteType rune
	)

	for i := 0; i < len(cq); i++ {
		c := cq[i]
		switch {
		case inQuote && !escaping && c == '\\':
			escaping = true
		case escaping:
			escaping = false
		case c == '"' || c == '\'':
			if inQuote && quoteType == c {
				if i < len(cq)-1 && cq[i+1] == quoteType {
					// quote escaped by doubling
					escaping = true

				} else {
					inQuote = false
					if !inBracket {
						sections = append(sections, [2]int{lastStart, i})
					}
				}

			} else if !inQuote {
				inQuote = true
				quoteType = c
				if !inBracket {
					lastStart = i
				}
			}
		case c == '[':
			if !inBracket && !inQuote {
				lastStart = i
				inBracket = true
				if len(cq) > i+1 && cq[i+1] == ':' {
					// zero-width assertion, not expressible as a meet query
					return nil, true
				}
			}
		case c == ']':
			if inBracket && !inQuote {
				sections = append(sections, [2]int{lastStart, i})
				inBracket = false
			}
		case c == '{' && !inBracket && !inQuote:
			inCurly = true
		case c == '}' && !inBracket && !inQuote && inCurly:
			inCurly = false
			if len(sections) > 0 {
				sections[len(sections)-1][1] = i
			}
		}
	}

	lastSection := [2]int{0, 0}
	sections = append(sections, [2]int{len(cq), len(cq)})
	var tokens []string
	rest := false

	for _, section := range sections {
		if lastSection[1] < section[0] {
			lo := lastSection[1] + 1
			if lo < section[0] && strings.TrimSpace(string(cq[lo:section[0]])) != "" {
				rest = true
			}
		}
		lastSection = section
		hi := section[1] + 1
		if hi > len(cq) {
			hi = len(cq)
		}
		if section[0] < hi {
			tokens = append(tokens, string(cq[section[0]:hi]))
		}
	}
	return tokens, rest
}
