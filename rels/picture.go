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

package rels

import (
	"fmt"
	"math"
	"sort"
)

// Relation is one word picture row: a merged relation triple with its
// summed frequency, mutual information score and the locators of its
// example sentences.
type Relation struct {
	Head     string   `json:"head"`
	HeadPos  string   `json:"headpos"`
	Rel      string   `json:"rel"`
	Dep      string   `json:"dep"`
	DepPos   string   `json:"deppos"`
	DepExtra string   `json:"depextra"`
	Freq     int64    `json:"freq"`
	MI       float64  `json:"mi"`
	Source   []string `json:"source"`
}

type tripleKey struct {
	head     string
	headPos  string
	rel      string
	dep      string
	depPos   string
	depExtra string
}

type tripleData struct {
	freq   int64
	source map[string]bool
}

// marginal carries per (corpus, rel) contributions so a margin shared
// by several triples is summed only once per corpus
type marginal map[[2]string]int64

// BuildWordPicture merges per-corpus relation rows into scored word
// picture rows. searchType "lemgram" splits the picture into a
// head-anchored and a dep-anchored direction; sortKey is "mi" or
// "freq"; maxResults caps each (rel, direction) group (0 = unlimited).
func BuildWordPicture(rows []RelationRow, word, searchType, sortKey string, maxResults int) []Relation {
	triples := make(map[tripleKey]*tripleData)
	freqRel := make(map[string]marginal)
	freqHeadRel := make(map[[3]string]marginal)
	freqRelDep := make(map[[4]string]marginal)

	for _, row := range rows {
		key := tripleKey{
			head: row.Head, headPos: row.HeadPos, rel: row.Rel,
			dep: row.Dep, depPos: row.DepPos, depExtra: row.DepExtra,
		}
		td, ok := triples[key]
		if !ok {
			td = &tripleData{source: make(map[string]bool)}
			triples[key] = td
		}
		td.freq += row.Freq
		td.source[fmt.Sprintf("%s:%d", row.Corpus, row.ID)] = true

		corpusRel := [2]string{row.Corpus, row.Rel}
		margin(freqRel, row.Rel)[corpusRel] = row.RelFreq
		margin(freqHeadRel, [3]string{row.Head, row.HeadPos, row.Rel})[corpusRel] = row.HeadRelFreq
		margin(freqRelDep, [4]string{row.Rel, row.Dep, row.DepPos, row.DepExtra})[corpusRel] = row.DepRelFreq
	}

	type scored struct {
		key tripleKey
		td  *tripleData
		mi  float64
	}
	ans := make([]scored, 0, len(triples))
	for key, td := range triples {
		fRel := sumMarginal(freqRel[key.rel])
		fHeadRel := sumMarginal(freqHeadRel[[3]string{key.head, key.headPos, key.rel}])
		fRelDep := sumMarginal(freqRelDep[[4]string{key.rel, key.dep, key.depPos, key.depExtra}])
		mi := float64(td.freq) * math.Log2(
			float64(fRel)*float64(td.freq)/(float64(fHeadRel)*float64(fRelDep)))
		ans = append(ans, scored{key: key, td: td, mi: mi})
	}

	sortVal := func(s scored) float64 {
		if sortKey == "freq" {
			return float64(s.td.freq)
		}
		return s.mi
	}
	sort.Slice(ans, func(i, j int) bool {
		if ans[i].key.rel != ans[j].key.rel {
			return ans[i].key.rel > ans[j].key.rel
		}
		if sortVal(ans[i]) != sortVal(ans[j]) {
			return sortVal(ans[i]) > sortVal(ans[j])
		}
		return ans[i].key.dep < ans[j].key.dep
	})

	counter := make(map[string]int)
	result := make([]Relation, 0, len(ans))
	for _, s := range ans {
		direction := "d"
		if searchType == "lemgram" && s.key.head == word {
			direction = "h"
		}
		counter[s.key.rel+":"+direction]++
		if maxResults > 0 && counter[s.key.rel+":"+direction] > maxResults {
			continue
		}
		result = append(result, Relation{
			Head:     s.key.head,
			HeadPos:  s.key.headPos,
			Rel:      s.key.rel,
			Dep:      s.key.dep,
			DepPos:   s.key.depPos,
			DepExtra: s.key.depExtra,
			Freq:     s.td.freq,
			MI:       s.mi,
			Source:   sortedSources(s.td.source),
		})
	}
	return result
}

func margin[K comparable](m map[K]marginal, key K) marginal {
	v, ok := m[key]
	if !ok {
		v = make(marginal)
		m[key] = v
	}
	return v
}

func sumMarginal(m marginal) int64 {
	var ans int64
	for _, v := range m {
		ans += v
	}
	return ans
}

func sortedSources(src map[string]bool) []string {
	ans := make([]string, 0, len(src))
	for s := range src {
		ans = append(ans, s)
	}
	sort.Strings(ans)
	return ans
}
