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

package cwb

import (
	"sort"
	"strconv"
	"strings"
)

// Token is one corpus position with its positional attribute values.
// The optional "structs" entry carries structural tags anchored at the
// position ({"open": [{tag: {attr: value}}], "close": [tag]}).
type Token map[string]any

// Match locates the matched region inside a concordance row. Start and
// End index into the row's token window, End exclusive; Position is the
// absolute corpus position of the first token of the window's match.
type Match struct {
	Position int `json:"position"`
	Start    int `json:"start"`
	End      int `json:"end"`
}

// Row is one parsed concordance row. Match holds a *Match, or a
// []*Match when matches of a free word-order query were folded into a
// shared window.
type Row struct {
	Corpus  string             `json:"corpus"`
	Match   any                `json:"match"`
	Structs map[string]*string `json:"structs,omitempty"`
	Tokens  []Token            `json:"tokens"`
	Aligned map[string][]Token `json:"aligned,omitempty"`
}

// ParseOpts configures concordance parsing for one corpus.
type ParseOpts struct {
	Corpus      string
	Attrs       AttrList
	Show        map[string]bool
	ShowStructs map[string]bool
	// FreeMatches folds rows sharing a token window into one row with
	// multiple match regions (free word-order results)
	FreeMatches bool
	// DecodeSpecial maps encoded metacharacter sequences in attribute
	// values back to their plain form
	DecodeSpecial map[string]string
}

func (po *ParseOpts) decodeValue(v string) any {
	if len(po.DecodeSpecial) > 0 {
		keys := make([]string, 0, len(po.DecodeSpecial))
		for k := range po.DecodeSpecial {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v = strings.ReplaceAll(v, k, po.DecodeSpecial[k])
		}
	}
	if v == "__UNDEF__" {
		return nil
	}
	return v
}

// structAcc collects structural tags until they can be attached to the
// next emitted token.
type structAcc struct {
	openOrder []string
	open      map[string]map[string]string
	close     []string
}

func (sa *structAcc) ensureOpen(tag string) map[string]string {
	if sa.open == nil {
		sa.open = make(map[string]map[string]string)
	}
	attrs, ok := sa.open[tag]
	if !ok {
		attrs = make(map[string]string)
		sa.open[tag] = attrs
		sa.openOrder = append(sa.openOrder, tag)
	}
	return attrs
}

func (sa *structAcc) addClose(tag string) {
	for _, v := range sa.close {
		if v == tag {
			return
		}
	}
	sa.close = append([]string{tag}, sa.close...)
}

func (sa *structAcc) empty() bool {
	return len(sa.openOrder) == 0 && len(sa.close) == 0
}

func (sa *structAcc) render() map[string]any {
	ans := make(map[string]any)
	if len(sa.openOrder) > 0 {
		open := make([]map[string]map[string]string, len(sa.openOrder))
		for i, tag := range sa.openOrder {
			open[i] = map[string]map[string]string{tag: sa.open[tag]}
		}
		ans["open"] = open
	}
	if len(sa.close) > 0 {
		ans["close"] = sa.close
	}
	return ans
}

// ParseKWIC turns raw concordance lines into structured rows. Rows the
// engine garbled beyond recognition (attribute values containing angle
// brackets can do that) are skipped.
func ParseKWIC(lines *Lines, opts ParseOpts) []Row {
	var pAttrs []string
	for _, attr := range opts.Attrs.Pos {
		if opts.Show[attr] {
			pAttrs = append(pAttrs, attr)
		}
	}
	nrSplits := len(pAttrs) - 1
	sAttrs := make(map[string]bool)
	for _, attr := range opts.Attrs.Struct {
		if opts.Show[attr] {
			sAttrs[attr] = true
		}
	}
	lsAttrs := make(map[string]bool)
	for _, attr := range opts.Attrs.Struct {
		if opts.ShowStructs[attr] {
			lsAttrs[attr] = true
		}
	}

	var kwic []Row
	var lastSpan [2]int
	haveLastSpan := false

	for {
		line, ok := lines.Next()
		if !ok {
			break
		}
		header, body, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		var aligned string
		var position int
		if strings.HasPrefix(header, "-->") {
			// every other line of an aligned-corpora result belongs to
			// the linked corpus
			aligned = header[3:]

		} else {
			var err error
			position, err = strconv.Atoi(strings.TrimSpace(header))
			if err != nil {
				continue
			}
		}

		var lineStructs map[string]*string
		if len(lsAttrs) > 0 && aligned == "" {
			var ok bool
			lineStructs, body, ok = parseLineStructs(body, lsAttrs)
			if !ok {
				continue
			}
		}

		words := strings.Fields(body)
		tokens, matchStart, matchEnd, ok := parseBody(words, pAttrs, nrSplits, sAttrs, &opts)
		if !ok {
			continue
		}

		if aligned != "" {
			if strings.Join(words, " ") == "(no alignment found)" {
				continue
			}
			if len(kwic) > 0 {
				prev := &kwic[len(kwic)-1]
				if prev.Aligned == nil {
					prev.Aligned = make(map[string][]Token)
				}
				prev.Aligned[aligned] = tokens
			}
			continue
		}

		if matchStart < 0 {
			// overlong sentences make the engine drop the match marks
			continue
		}
		match := &Match{Position: position, Start: matchStart, End: matchEnd}
		row := Row{
			Corpus:  opts.Corpus,
			Structs: lineStructs,
			Tokens:  tokens,
		}
		if opts.FreeMatches {
			span := [2]int{position - matchStart, position - matchStart + len(tokens) - 1}
			if haveLastSpan && span == lastSpan {
				prev := &kwic[len(kwic)-1]
				prev.Match = append(prev.Match.([]*Match), match)

			} else {
				row.Match = []*Match{match}
				kwic = append(kwic, row)
			}
			lastSpan = span
			haveLastSpan = true

		} else {
			row.Match = match
			kwic = append(kwic, row)
		}
	}
	return kwic
}

// parseLineStructs splits the PrintStructures region off a line and
// parses it into a key/value map; keys listed without a value stay nil.
func parseLineStructs(line string, lsAttrs map[string]bool) (map[string]*string, string, bool) {
	var lineattr, rest string
	if i := strings.LastIndex(line, ":  "); i >= 0 {
		lineattr, rest = line[:i], line[i+3:]

	} else if i := strings.Index(line, ">: "); i >= 0 {
		// depending on context the engine may separate with a single
		// space only
		lineattr, rest = line[:i+1], line[i+3:]

	} else {
		return nil, line, false
	}

	if len(lineattr) < 3 {
		return nil, rest, false
	}
	parts := strings.Split(lineattr[2:len(lineattr)-1], "><")

	// "><" inside attribute values splits too eagerly, stitch the
	// fragments back together
	if len(parts) != len(lsAttrs) {
		var merged []string
		for _, la := range parts {
			first, _, _ := strings.Cut(la, " ")
			if !lsAttrs[first] && len(merged) > 0 {
				merged[len(merged)-1] += "><" + la

			} else {
				merged = append(merged, la)
			}
		}
		parts = merged
	}

	ans := make(map[string]*string)
	for _, s := range parts {
		if lsAttrs[s] {
			ans[s] = nil
			continue
		}
		key, val, found := strings.Cut(s, " ")
		if !found {
			ans[s] = nil
			continue
		}
		v := val
		ans[key] = &v
	}
	return ans, rest, true
}

// parseBody walks the whitespace-split tokens of one concordance row.
// The returned match offsets are -1 when the respective delimiter never
// appeared.
func parseBody(
	words []string,
	pAttrs []string,
	nrSplits int,
	sAttrs map[string]bool,
	opts *ParseOpts,
) ([]Token, int, int, bool) {
	var tokens []Token
	n := 0
	var acc structAcc
	var curStruct string
	var structValue []string
	matchStart, matchEnd := -1, -1

	for _, word := range words {
		if curStruct != "" {
			// a structural attribute value may be split over several
			// words, collect until the closing bracket
			if !strings.Contains(word, ">") {
				structValue = append(structValue, word)
				continue
			}
			structV, rest, _ := strings.Cut(word, ">")
			word = rest
			tag, attr, found := strings.Cut(curStruct, "_")
			if !found {
				return nil, 0, 0, false
			}
			attrs := acc.ensureOpen(tag)
			attrs[attr] = strings.Join(append(structValue, structV), " ")
			curStruct = ""
			structValue = nil
		}

		if word == LeftDelim {
			matchStart = n
			continue
		}
		if word == RightDelim {
			matchEnd = n
			continue
		}

		// opening structural tags stick to the word from the left
		for len(word) > 1 && word[0] == '<' {
			if sAttrs[word[1:]] {
				// tag with a value, the value follows in the next words
				curStruct = word[1:]
				break
			}
			if gt := strings.IndexByte(word, '>'); gt > 1 && sAttrs[word[1:gt]] {
				acc.ensureOpen(word[1:gt])
				word = word[gt+1:]
				continue
			}
			break
		}
		if curStruct != "" {
			continue
		}
		if word == "" {
			return nil, 0, 0, false
		}

		// closing structural tags stick to the word from the right
		for len(word) > 0 && word[len(word)-1] == '>' && strings.Contains(word, "</") {
			head := word[:len(word)-1]
			idx := strings.LastIndex(head, "</")
			tempword, tag := head[:idx], head[idx+2:]
			if tempword == "" || !sAttrs[tag] {
				break
			}
			word = tempword
			base, _, _ := strings.Cut(tag, "_")
			acc.addClose(base)
		}

		values := rsplitN(word, "/", nrSplits)
		token := make(Token, len(pAttrs)+1)
		for i, attr := range pAttrs {
			if i >= len(values) {
				break
			}
			token[attr] = opts.decodeValue(values[i])
		}
		if !acc.empty() {
			token["structs"] = acc.render()
			acc = structAcc{}
		}
		tokens = append(tokens, token)
		n++
	}
	return tokens, matchStart, matchEnd, true
}

// TrimSecondaryContext narrows an already parsed row to a smaller
// context than the engine-side one. The spec is either "N words" for
// raw token counting or "N unit" for a structural unit, in which case
// the walk counts openings of the unit leftwards and closings
// rightwards from the match span. The token window is physically
// truncated at the boundary and match offsets are shifted accordingly.
// Rows with folded free-order matches keep their full window.
func TrimSecondaryContext(row *Row, spec string) {
	m, ok := row.Match.(*Match)
	if !ok {
		return
	}
	fields := strings.Fields(spec)
	if len(fields) != 2 {
		return
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil || num < 0 {
		return
	}
	unit := fields[1]

	end := m.End
	if end < m.Start {
		end = m.Start + 1
	}
	lo, hi := 0, len(row.Tokens)
	if unit == "word" || unit == "words" {
		if v := m.Start - num; v > lo {
			lo = v
		}
		if v := end + num; v < hi {
			hi = v
		}

	} else {
		count := 0
		for i := m.Start - 1; i >= 0; i-- {
			if tokenHasStructTag(row.Tokens[i], unit, "open") {
				count++
				if count == num {
					lo = i
					break
				}
			}
		}
		count = 0
		for i := end; i < len(row.Tokens); i++ {
			if tokenHasStructTag(row.Tokens[i], unit, "close") {
				count++
				if count == num {
					hi = i + 1
					break
				}
			}
		}
	}
	if lo > m.Start {
		lo = m.Start
	}
	if hi < end {
		hi = end
	}
	row.Tokens = row.Tokens[lo:hi]
	m.Start -= lo
	if m.End >= 0 {
		m.End -= lo
	}
}

func tokenHasStructTag(t Token, unit, side string) bool {
	structs, ok := t["structs"].(map[string]any)
	if !ok {
		return false
	}
	switch side {
	case "open":
		open, ok := structs["open"].([]map[string]map[string]string)
		if !ok {
			return false
		}
		for _, item := range open {
			if _, ok := item[unit]; ok {
				return true
			}
		}
	case "close":
		tags, ok := structs["close"].([]string)
		if !ok {
			return false
		}
		for _, tag := range tags {
			if tag == unit {
				return true
			}
		}
	}
	return false
}

// rsplitN splits s on sep into at most n+1 parts counting separators
// from the right.
func rsplitN(s, sep string, n int) []string {
	if n <= 0 {
		return []string{s}
	}
	var parts []string
	for len(parts) < n {
		i := strings.LastIndex(s, sep)
		if i < 0 {
			break
		}
		parts = append([]string{s[i+len(sep):]}, parts...)
		s = s[:i]
	}
	return append([]string{s}, parts...)
}
