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
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeRow is one (corpus, date span, token count) record from the time
// distribution table. Dates are compact digit strings, possibly
// truncated to the requested granularity.
type TimeRow struct {
	Corpus   string `json:"corpus"`
	DateFrom string `json:"datefrom"`
	DateTo   string `json:"dateto"`
	Tokens   int64  `json:"tokens"`
}

// Span-matching strategies for rows not aligned with the granularity.
const (
	// StrategyPartial keeps rows mostly inside a bucket, shrinking the
	// span to fully covered buckets
	StrategyPartial = 1
	// StrategyAll keeps every overlapping row
	StrategyAll = 2
	// StrategyStrict keeps only rows fully inside one bucket
	StrategyStrict = 3
)

// TimespanResult maps bucket labels (compact dates truncated to the
// granularity; the empty label collects undated tokens) to token
// counts.
type TimespanResult struct {
	Corpora  map[string]map[string]int64 `json:"corpora,omitempty"`
	Combined map[string]int64            `json:"combined,omitempty"`
}

// granularity → compact date prefix length
var granLen = map[string]int{"y": 4, "m": 6, "d": 8, "h": 10, "n": 12, "s": 14}

// CalculateTimespan distributes token counts over time buckets of the
// given granularity ("y", "m", "d", "h", "n", "s"). Interval rows
// spanning several buckets are summed into every bucket they fully
// cover, via a sweep over the interval endpoints.
func CalculateTimespan(timedata []TimeRow, granularity string, combined, perCorpus bool, strategy int) *TimespanResult {
	gLen, ok := granLen[granularity]
	if !ok {
		granularity = "y"
		gLen = granLen[granularity]
	}

	datemin, datemax := "00000101", "99991231"
	if gLen > 8 {
		datemin, datemax = "00000101000000", "99991231235959"
	}

	rows := make(map[string][]bucketRow)
	nodes := make(map[string]map[spanNode]bool)
	addNode := func(key string, n spanNode) {
		if nodes[key] == nil {
			nodes[key] = make(map[spanNode]bool)
		}
		nodes[key][n] = true
	}

	for _, row := range timedata {
		datefrom := digitsOnly(row.DateFrom)
		if datefrom == strings.Repeat("0", len(datefrom)) {
			datefrom = ""
		}
		dateto := digitsOnly(row.DateTo)
		if dateto == strings.Repeat("0", len(dateto)) {
			dateto = ""
		}
		var dfShort, dtShort int64
		if datefrom != "" {
			dfShort = shortenDate(datefrom, gLen)
		}
		if dateto != "" {
			dtShort = shortenDate(dateto, gLen)
		}

		switch strategy {
		case StrategyPartial:
			if dfShort != dtShort {
				if suffixFrom(datefrom, gLen) != datemin[gLen:] {
					dfShort = stepDate(dfShort, granularity, false)
				}
				if suffixFrom(dateto, gLen) != datemax[gLen:] {
					dtShort = stepDate(dtShort, granularity, true)
				}
				if datefrom >= dateto {
					continue
				}
			}
		case StrategyAll:
			// every overlap counts
		case StrategyStrict:
			if dfShort != dtShort {
				continue
			}
		}

		r := bucketRow{datefrom: dfShort, dateto: dtShort, freq: row.Tokens}
		if combined {
			rows["__combined__"] = append(rows["__combined__"], r)
			addNode("__combined__", spanNode{'f', dfShort})
			addNode("__combined__", spanNode{'t', dtShort})
		}
		if perCorpus {
			rows[row.Corpus] = append(rows[row.Corpus], r)
			addNode(row.Corpus, spanNode{'f', dfShort})
			addNode(row.Corpus, spanNode{'t', dtShort})
		}
	}

	ans := &TimespanResult{}
	if perCorpus {
		ans.Corpora = make(map[string]map[string]int64)
	}
	if combined {
		ans.Combined = make(map[string]int64)
	}

	for key, nodeSet := range nodes {
		sorted := make([]spanNode, 0, len(nodeSet))
		for n := range nodeSet {
			sorted = append(sorted, n)
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].val != sorted[j].val {
				return sorted[i].val < sorted[j].val
			}
			return sorted[i].kind < sorted[j].kind
		})

		data := make(map[string]int64)
		for i := 0; i+1 < len(sorted); i++ {
			startNode, endNode := sorted[i], sorted[i+1]

			var start int64
			if startNode.kind == 't' {
				if startNode.val != 0 {
					start = stepDate(startNode.val, granularity, false)

				} else {
					start = 0
				}
				if start == endNode.val && endNode.kind == 'f' {
					continue
				}

			} else {
				start = startNode.val
			}

			var end int64
			if endNode.val != 0 {
				if endNode.kind == 't' {
					end = endNode.val

				} else {
					end = stepDate(endNode.val, granularity, true)
				}
			}

			label := ""
			if start != 0 {
				label = strconv.FormatInt(start, 10)
				data[label] = 0
			}
			for _, row := range rows[key] {
				if row.datefrom <= start && row.dateto >= end {
					data[label] += row.freq
				}
			}
			if end != 0 {
				next := strconv.FormatInt(stepDate(end, granularity, false), 10)
				data[next] = 0
			}
		}

		if combined && key == "__combined__" {
			ans.Combined = data

		} else if perCorpus {
			ans.Corpora[key] = data
		}
	}
	return ans
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// suffixFrom returns the part of a compact date beyond the granularity
// prefix.
func suffixFrom(date string, gLen int) string {
	if len(date) <= gLen {
		return ""
	}
	return date[gLen:]
}

// shortenDate truncates a compact date to the granularity. Dates with
// an odd digit count (three-digit years) truncate one short.
func shortenDate(date string, gLen int) int64 {
	cut := gLen
	if len(date)%2 == 1 {
		cut--
	}
	if cut > len(date) {
		cut = len(date)
	}
	v, err := strconv.ParseInt(date[:cut], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// stepDate moves a granularity-truncated compact date one unit forward
// or backwards.
func stepDate(short int64, granularity string, negative bool) int64 {
	date := strconv.FormatInt(short, 10)
	if len(date)%2 == 1 {
		date = "0" + date
	}
	t := parseCompact(date)
	step := 1
	if negative {
		step = -1
	}
	switch granularity {
	case "y":
		t = t.AddDate(step, 0, 0)
	case "m":
		t = t.AddDate(0, step, 0)
	case "d":
		t = t.AddDate(0, 0, step)
	case "h":
		t = t.Add(time.Duration(step) * time.Hour)
	case "n":
		t = t.Add(time.Duration(step) * time.Minute)
	case "s":
		t = t.Add(time.Duration(step) * time.Second)
	}
	return formatCompact(t, granularity)
}

// parseCompact reads a variable-length "YYYYMMDDhhmmss" prefix,
// missing components defaulting to their minimum.
func parseCompact(date string) time.Time {
	get := func(from, to, def int) int {
		if len(date) < to {
			return def
		}
		v, err := strconv.Atoi(date[from:to])
		if err != nil {
			return def
		}
		return v
	}
	year := get(0, 4, 0)
	month := get(4, 6, 1)
	day := get(6, 8, 1)
	hour := get(8, 10, 0)
	minute := get(10, 12, 0)
	second := get(12, 14, 0)
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

func formatCompact(t time.Time, granularity string) int64 {
	var v int64
	switch granularity {
	case "y":
		v = int64(t.Year())
	case "m":
		v = int64(t.Year())*100 + int64(t.Month())
	case "d":
		v = (int64(t.Year())*100+int64(t.Month()))*100 + int64(t.Day())
	case "h":
		v = ((int64(t.Year())*100+int64(t.Month()))*100+int64(t.Day()))*100 + int64(t.Hour())
	case "n":
		v = (((int64(t.Year())*100+int64(t.Month()))*100+int64(t.Day()))*100+int64(t.Hour()))*100 +
			int64(t.Minute())
	case "s":
		v = ((((int64(t.Year())*100+int64(t.Month()))*100+int64(t.Day()))*100+int64(t.Hour()))*100+
			int64(t.Minute()))*100 + int64(t.Second())
	}
	return v
}

type bucketRow struct {
	datefrom int64
	dateto   int64
	freq     int64
}

// spanNode is an interval endpoint of one date span; 'f' opens, 't'
// closes. Endpoints sort by value, opens before closes.
type spanNode struct {
	kind byte
	val  int64
}
