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

// Package stats aggregates per-corpus engine outputs into global
// frequency statistics: grouped counts, log-likelihood set comparison
// and time-bucketed token distribution.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GroupBy names one grouping attribute of a count request. Structural
// attributes yield scalar values, positional ones token sequences.
type GroupBy struct {
	Attr     string
	IsStruct bool
}

// Freq is an absolute count plus its per-million relative frequency.
type Freq struct {
	Absolute int64   `json:"absolute"`
	Relative float64 `json:"relative"`
}

// OutRow is one row of a finalized frequency table.
type OutRow struct {
	Value    map[string]any `json:"value"`
	Absolute int64          `json:"absolute"`
	Relative float64        `json:"relative"`
}

// Block is one finalized result table - the main query's counts or one
// sub-query's.
type Block struct {
	Rows []OutRow `json:"rows"`
	Sums Freq     `json:"sums"`
	CQP  string   `json:"cqp,omitempty"`
}

// Result is the finalized aggregate over all corpora. Corpora maps a
// corpus to a Block, or to a []Block when sub-queries were requested;
// Combined follows the same convention.
type Result struct {
	Corpora  map[string]any `json:"corpora"`
	Combined any            `json:"combined"`
	Count    int            `json:"count"`
}

// key separators; grouped attribute values never contain control bytes
const (
	groupSep = "\x1e"
	tokenSep = "\x1f"
)

func encodeKey(groups [][]string) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strings.Join(g, tokenSep)
	}
	return strings.Join(parts, groupSep)
}

func decodeKey(key string) [][]string {
	groups := strings.Split(key, groupSep)
	ans := make([][]string, len(groups))
	for i, g := range groups {
		ans[i] = strings.Split(g, tokenSep)
	}
	return ans
}

type table struct {
	rows map[string]int64
	sum  int64
}

func newTable() *table {
	return &table{rows: make(map[string]int64)}
}

// CountAggregator merges per-corpus grouped-count lines into global
// statistics. It is not safe for concurrent use; feed it from the
// fan-out completion loop.
type CountAggregator struct {
	groupBy      []GroupBy
	split        map[string]bool
	stripPointer map[string]bool
	top          map[string]int
	subCQP       []string
	sentinel     string

	totalSize  int64
	corpusSize map[string]int64
	corpora    map[string][]*table
	order      []string
	total      []*table

	relPos  []int
	relBase *RelativeFreqs
}

// RelativeFreqs holds per-value token totals another count is
// normalized against instead of plain corpus sizes.
type RelativeFreqs struct {
	Combined map[string]int64
	Corpora  map[string]map[string]int64
}

// NewCountAggregator prepares an aggregator for one count operation.
// sentinel is the engine's end-of-section marker separating sub-query
// outputs within one corpus's line list.
func NewCountAggregator(
	groupBy []GroupBy,
	split, stripPointer []string,
	top map[string]int,
	subCQP []string,
	sentinel string,
) *CountAggregator {
	ans := &CountAggregator{
		groupBy:      groupBy,
		split:        make(map[string]bool),
		stripPointer: make(map[string]bool),
		top:          top,
		subCQP:       subCQP,
		sentinel:     sentinel,
		corpusSize:   make(map[string]int64),
		corpora:      make(map[string][]*table),
		total:        make([]*table, len(subCQP)+1),
	}
	for _, s := range split {
		ans.split[s] = true
	}
	for _, s := range stripPointer {
		ans.stripPointer[s] = true
	}
	for i := range ans.total {
		ans.total[i] = newTable()
	}
	return ans
}

// AddEmptyCorpus registers a corpus known to have no hits without
// touching the totals.
func (ca *CountAggregator) AddEmptyCorpus(corpus string) {
	ca.registerCorpus(corpus)
}

func (ca *CountAggregator) registerCorpus(corpus string) []*table {
	tables, ok := ca.corpora[corpus]
	if !ok {
		tables = make([]*table, len(ca.subCQP)+1)
		for i := range tables {
			tables[i] = newTable()
		}
		ca.corpora[corpus] = tables
		ca.order = append(ca.order, corpus)
	}
	return tables
}

// AddCorpus consumes one corpus's grouped-count lines ("freq ngram",
// n-gram groups tab-separated, sub-query sections separated by the
// sentinel line).
func (ca *CountAggregator) AddCorpus(corpus string, lines []string, corpusSize int64) error {
	tables := ca.registerCorpus(corpus)
	ca.corpusSize[corpus] = corpusSize
	ca.totalSize += corpusSize

	queryNo := 0
	for _, line := range lines {
		if line == ca.sentinel {
			queryNo++
			if queryNo >= len(tables) {
				return fmt.Errorf("unexpected extra count section in %s output", corpus)
			}
			continue
		}
		freqStr, ngram, found := strings.Cut(strings.TrimLeft(line, " \t"), " ")
		if !found {
			return fmt.Errorf("malformed count line: %s", line)
		}
		freq, err := strconv.ParseInt(freqStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed count line: %s", line)
		}

		var groups []string
		if len(ca.groupBy) > 1 {
			groups = strings.Split(ngram, "\t")

		} else {
			groups = []string{ngram}
		}
		if len(groups) != len(ca.groupBy) {
			return fmt.Errorf("count line has %d groups, expected %d", len(groups), len(ca.groupBy))
		}

		allNgrams := make([][][]string, len(groups))
		for i, g := range groups {
			allNgrams[i] = ca.expandGroup(ca.groupBy[i], g)
		}

		for _, combo := range crossProduct(allNgrams) {
			key := encodeKey(combo)
			tables[queryNo].rows[key] += freq
			tables[queryNo].sum += freq
			ca.total[queryNo].rows[key] += freq
			ca.total[queryNo].sum += freq
		}
	}
	return nil
}

// expandGroup turns one grouped attribute value into its alternative
// readings (each reading = a token sequence). Splittable values fan out
// over "|"-delimited per-token alternatives, every alternative keeping
// the full frequency.
func (ca *CountAggregator) expandGroup(g GroupBy, value string) [][]string {
	var alternatives [][]string
	if ca.split[g.Attr] {
		// splitting on "| " instead of a bare space keeps annotations
		// containing spaces intact
		tokens := strings.Split(value, "| ")
		for i := 0; i < len(tokens)-1; i++ {
			tokens[i] += "|"
		}
		topN, hasTop := ca.top[g.Attr]
		perToken := make([][]string, len(tokens))
		for i, token := range tokens {
			if token == "|" {
				if hasTop {
					perToken[i] = []string{"|"}

				} else {
					perToken[i] = []string{""}
				}
				continue
			}
			var readings []string
			for _, x := range strings.Split(token, "|") {
				if x != "" {
					readings = append(readings, x)
				}
			}
			if hasTop && len(readings) > topN {
				readings = readings[:topN]
			}
			perToken[i] = readings
		}
		alternatives = stringProduct(perToken)

	} else if !g.IsStruct {
		alternatives = [][]string{strings.Split(value, " ")}

	} else {
		alternatives = [][]string{{value}}
	}

	if ca.stripPointer[g.Attr] {
		for _, alt := range alternatives {
			for k, tok := range alt {
				if i := strings.LastIndex(tok, ":"); i >= 0 && i+1 < len(tok) && isDigits(tok[i+1:]) {
					alt[k] = tok[:i]
				}
			}
		}
	}
	return alternatives
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// stringProduct yields the cartesian product over per-position reading
// lists. A position with no readings wipes out all combinations.
func stringProduct(perToken [][]string) [][]string {
	ans := [][]string{{}}
	for _, readings := range perToken {
		var next [][]string
		for _, prefix := range ans {
			for _, r := range readings {
				combo := make([]string, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				combo = append(combo, r)
				next = append(next, combo)
			}
		}
		ans = next
	}
	return ans
}

// crossProduct yields the cartesian product over per-position
// alternatives. An empty alternative list at any position yields no
// combinations at all.
func crossProduct(groups [][][]string) [][][]string {
	ans := [][][]string{{}}
	for _, alternatives := range groups {
		var next [][][]string
		for _, prefix := range ans {
			for _, alt := range alternatives {
				combo := make([][]string, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				combo = append(combo, alt)
				next = append(next, combo)
			}
		}
		ans = next
	}
	return ans
}

// CorpusFreqs exposes the main table of one corpus (keys and absolute
// counts plus the block sum); used for set comparison.
func (ca *CountAggregator) CorpusFreqs(corpus string) (map[string]int64, int64) {
	tables, ok := ca.corpora[corpus]
	if !ok {
		return nil, 0
	}
	return tables[0].rows, tables[0].sum
}

// TotalSize returns the summed size of all counted corpora.
func (ca *CountAggregator) TotalSize() int64 {
	return ca.totalSize
}

// Totals exports the main tables of a finished aggregation for use as
// the normalization base of another count.
func (ca *CountAggregator) Totals() *RelativeFreqs {
	ans := &RelativeFreqs{
		Combined: ca.total[0].rows,
		Corpora:  make(map[string]map[string]int64, len(ca.corpora)),
	}
	for corpus, tables := range ca.corpora {
		ans.Corpora[corpus] = tables[0].rows
	}
	return ans
}

// RelativizeTo switches relative frequencies from per million corpus
// tokens to per million tokens of the row's matching value in base,
// matched on the given grouped structural attributes.
func (ca *CountAggregator) RelativizeTo(attrs []string, base *RelativeFreqs) error {
	pos := make([]int, 0, len(attrs))
	for _, attr := range attrs {
		found := -1
		for i, g := range ca.groupBy {
			if g.IsStruct && g.Attr == attr {
				found = i
				break
			}
		}
		if found == -1 {
			return fmt.Errorf("cannot normalize against %s: not among the grouped structures", attr)
		}
		pos = append(pos, found)
	}
	ca.relPos = pos
	ca.relBase = base
	return nil
}

// relativeKey projects a full row key to the normalization attributes.
func (ca *CountAggregator) relativeKey(key string) string {
	groups := strings.Split(key, groupSep)
	parts := make([]string, 0, len(ca.relPos))
	for _, pos := range ca.relPos {
		if pos < len(groups) {
			parts = append(parts, groups[pos])
		}
	}
	return strings.Join(parts, groupSep)
}

func (ca *CountAggregator) combinedBase() map[string]int64 {
	if ca.relBase == nil {
		return nil
	}
	return ca.relBase.Combined
}

func (ca *CountAggregator) corpusBase(corpus string) map[string]int64 {
	if ca.relBase == nil {
		return nil
	}
	return ca.relBase.Corpora[corpus]
}

func (ca *CountAggregator) relativeSum(rows map[string]int64, base map[string]int64) float64 {
	var ans float64
	for key, abs := range rows {
		ans += relFreq(abs, base[ca.relativeKey(key)])
	}
	return ans
}

// FormatKeyWords renders the first grouped attribute of an encoded key
// as a space-joined string.
func FormatKeyWords(key string) string {
	groups := decodeKey(key)
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups[0], " ")
}

// Finalize computes relative frequencies and renders the aggregate.
// Rows are normalized against the summed corpus sizes unless a
// RelativizeTo base was set, in which case each row is measured against
// its matching value total. A window [start, end] with end > -1 caps
// the combined tables to the top rows by absolute frequency and
// restricts every per-corpus view to the surviving keys.
func (ca *CountAggregator) Finalize(start, end int) *Result {
	ans := &Result{
		Corpora: make(map[string]any),
		Count:   len(ca.total[0].rows),
	}

	surviving := make([]map[string]bool, len(ca.total))
	combined := make([]Block, len(ca.total))
	for queryNo, tbl := range ca.total {
		keys := sortedKeys(tbl.rows)
		if end > -1 && (start > 0 || len(ca.total[0].rows) > end-start+1) {
			lo, hi := start, end+1
			if lo > len(keys) {
				lo = len(keys)
			}
			if hi > len(keys) {
				hi = len(keys)
			}
			keys = keys[lo:hi]
			surviving[queryNo] = make(map[string]bool, len(keys))
			for _, k := range keys {
				surviving[queryNo][k] = true
			}
		}
		block := Block{
			Rows: ca.renderRows(keys, tbl.rows, ca.totalSize, ca.combinedBase()),
			// the combined sum stays measured against the full token
			// mass even when rows are normalized per value
			Sums: Freq{
				Absolute: tbl.sum,
				Relative: relFreq(tbl.sum, ca.totalSize),
			},
		}
		if queryNo > 0 {
			block.CQP = ca.subCQP[queryNo-1]
		}
		combined[queryNo] = block
	}

	for _, corpus := range ca.order {
		blocks := make([]Block, len(ca.total))
		for queryNo, tbl := range ca.corpora[corpus] {
			keys := sortedKeys(tbl.rows)
			if surviving[queryNo] != nil {
				kept := keys[:0]
				for _, k := range keys {
					if surviving[queryNo][k] {
						kept = append(kept, k)
					}
				}
				keys = kept
			}
			sums := Freq{
				Absolute: tbl.sum,
				Relative: relFreq(tbl.sum, ca.corpusSize[corpus]),
			}
			if base := ca.corpusBase(corpus); base != nil {
				sums.Relative = ca.relativeSum(tbl.rows, base)
			}
			block := Block{
				Rows: ca.renderRows(keys, tbl.rows, ca.corpusSize[corpus], ca.corpusBase(corpus)),
				Sums: sums,
			}
			if queryNo > 0 {
				block.CQP = ca.subCQP[queryNo-1]
			}
			blocks[queryNo] = block
		}
		if len(ca.subCQP) > 0 {
			ans.Corpora[corpus] = blocks

		} else {
			ans.Corpora[corpus] = blocks[0]
		}
	}

	if len(ca.subCQP) > 0 {
		ans.Combined = combined

	} else {
		ans.Combined = combined[0]
	}
	return ans
}

func (ca *CountAggregator) renderRows(
	keys []string,
	rows map[string]int64,
	size int64,
	base map[string]int64,
) []OutRow {
	ans := make([]OutRow, 0, len(keys))
	for _, key := range keys {
		abs := rows[key]
		rel := relFreq(abs, size)
		if base != nil {
			rel = relFreq(abs, base[ca.relativeKey(key)])
		}
		value := make(map[string]any, len(ca.groupBy))
		for i, decoded := range decodeKey(key) {
			if i >= len(ca.groupBy) {
				break
			}
			if ca.groupBy[i].IsStruct {
				value[ca.groupBy[i].Attr] = decoded[0]

			} else {
				value[ca.groupBy[i].Attr] = decoded
			}
		}
		ans = append(ans, OutRow{
			Value:    value,
			Absolute: abs,
			Relative: rel,
		})
	}
	return ans
}

func relFreq(abs, size int64) float64 {
	if size <= 0 {
		return 0
	}
	return float64(abs) / float64(size) * 1000000
}

// sortedKeys orders by descending absolute frequency; ties fall back to
// the key's natural order so output is deterministic across runs.
func sortedKeys(rows map[string]int64) []string {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if rows[keys[i]] != rows[keys[j]] {
			return rows[keys[i]] > rows[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
