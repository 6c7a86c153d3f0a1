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

package stats

import (
	"math"
	"sort"
)

// CriticalValue is one row of the log-likelihood significance table.
type CriticalValue struct {
	Percentile float64
	Score      float64
}

// CriticalValues classify a log-likelihood score; the caller picks its
// own significance threshold.
var CriticalValues = []CriticalValue{
	{Percentile: 95, Score: 3.84},
	{Percentile: 99, Score: 6.63},
	{Percentile: 99.9, Score: 10.83},
	{Percentile: 99.99, Score: 15.13},
}

// expected assumes the words are uniformly distributed over the corpora.
func expected(total, wordTotal, sumTotal float64) float64 {
	return wordTotal * (total / sumTotal)
}

// LogLikelihood scores a single frequency pair; zero-frequency terms
// contribute zero. The result is rounded to two decimals.
func LogLikelihood(f1, total1, f2, total2 int64) float64 {
	e1 := expected(float64(total1), float64(f1+f2), float64(total1+total2))
	e2 := expected(float64(total2), float64(f1+f2), float64(total1+total2))
	var l1, l2 float64
	if f1 > 0 {
		l1 = float64(f1) * math.Log(float64(f1)/e1)
	}
	if f2 > 0 {
		l2 = float64(f2) * math.Log(float64(f2)/e2)
	}
	return round2(2 * (l1 + l2))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FreqSet is one side of a set comparison: a frequency distribution
// with its total.
type FreqSet struct {
	Total int64
	Freq  map[string]int64
}

func (fs FreqSet) get(key string) int64 {
	return fs.Freq[key]
}

// LLItem is one compared key. Negative scores lean towards the first
// set, positive towards the second.
type LLItem struct {
	Key   string
	Score float64
}

// CompareSets scores every key of the two distributions, keeps at most
// maxPerSet keys leaning to either side (0 = unlimited) and reports the
// average, minimum and maximum raw score over the full key union.
func CompareSets(set1, set2 FreqSet, maxPerSet int) (items []LLItem, avg, min, max float64) {
	keySet := make(map[string]bool)
	for k := range set1.Freq {
		keySet[k] = true
	}
	for k := range set2.Freq {
		keySet[k] = true
	}
	scored := make([]LLItem, 0, len(keySet))
	for k := range keySet {
		scored = append(scored, LLItem{
			Key:   k,
			Score: LogLikelihood(set1.get(k), set1.Total, set2.get(k), set2.Total),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Key > scored[j].Key
	})

	var sum float64
	for i, item := range scored {
		sum += item.Score
		if i == 0 || item.Score < min {
			min = item.Score
		}
		if i == 0 || item.Score > max {
			max = item.Score
		}
	}
	if len(scored) > 0 {
		avg = round2(sum / float64(len(scored)))
	}

	var set1Count, set2Count int
	for _, item := range scored {
		f1, f2 := set1.get(item.Key), set2.get(item.Key)
		leansFirst := (f1 > 0 && f2 == 0) ||
			(f1 > 0 && set1.Total > 0 && set2.Total > 0 &&
				float64(f1)/float64(set1.Total) > float64(f2)/float64(set2.Total))
		if leansFirst {
			set1Count++
			if maxPerSet == 0 || set1Count <= maxPerSet {
				items = append(items, LLItem{Key: item.Key, Score: -item.Score})
			}

		} else {
			set2Count++
			if maxPerSet == 0 || set2Count <= maxPerSet {
				items = append(items, item)
			}
		}
		if maxPerSet > 0 && set1Count >= maxPerSet && set2Count >= maxPerSet {
			break
		}
	}
	return
}
