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

package search

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cqp"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/czcorpus/korpgate/stats"
)

// tabulations larger than this are recomputed instead of cached
const countMaxCachedLines = 5000

// CountRequest carries one parsed grouped-count query.
type CountRequest struct {
	Corpora          []string
	CQPSteps         []string
	SubCQP           []string
	GroupBy          []stats.GroupBy
	IgnoreCase       []string
	Within           map[string]string
	DefaultWithin    string
	Cut              string
	Start            int
	End              int
	Split            []string
	StripPointer     []string
	Top              map[string]int
	RelativeTo       []string
	ExpandPrequeries bool
	Simple           bool
	Incremental      bool
	UseCache         bool
}

// WithinFor resolves the containing structure of one corpus.
func (req *CountRequest) WithinFor(corpus string) string {
	if w, ok := req.Within[corpus]; ok {
		return w
	}
	return req.DefaultWithin
}

func (req *CountRequest) ignoresCase(attr string) bool {
	return containsStr(req.IgnoreCase, attr)
}

// RelativeRequest derives the all-tokens count whose per-value totals
// the main count is normalized against.
func (req *CountRequest) RelativeRequest() *CountRequest {
	groupBy := make([]stats.GroupBy, len(req.RelativeTo))
	for i, attr := range req.RelativeTo {
		groupBy[i] = stats.GroupBy{Attr: attr, IsStruct: true}
	}
	return &CountRequest{
		Corpora:          req.Corpora,
		CQPSteps:         []string{"[]"},
		GroupBy:          groupBy,
		Within:           req.Within,
		DefaultWithin:    req.DefaultWithin,
		End:              -1,
		Split:            req.Split,
		ExpandPrequeries: true,
		Simple:           true,
		UseCache:         req.UseCache,
	}
}

// ParseCountRequest validates and decodes a /count request.
func ParseCountRequest(values url.Values, sortCorpora bool) (*CountRequest, error) {
	if err := AssertRequired(values, "cqp"); err != nil {
		return nil, err
	}
	for _, key := range []string{"group_by", "group_by_struct", "ignore_case", "relative_to_struct"} {
		if err := AssertIdent(values, key, false); err != nil {
			return nil, err
		}
	}
	if err := AssertNumber(values, "cut", false); err != nil {
		return nil, err
	}

	corpora, err := ParseCorpora(values, sortCorpora)
	if err != nil {
		return nil, err
	}
	cqpSteps, err := NumberedParams(values, "cqp")
	if err != nil {
		return nil, err
	}
	subCQP, err := NumberedParams(values, "subcqp")
	if err != nil {
		return nil, err
	}

	groupByPos := sortedUnique(listParam(values, "group_by"))
	groupByStruct := sortedUnique(listParam(values, "group_by_struct"))
	if len(groupByPos) == 0 && len(groupByStruct) == 0 {
		groupByPos = []string{"word"}
	}
	groupBy := make([]stats.GroupBy, 0, len(groupByPos)+len(groupByStruct))
	for _, g := range groupByPos {
		groupBy = append(groupBy, stats.GroupBy{Attr: g})
	}
	for _, g := range groupByStruct {
		groupBy = append(groupBy, stats.GroupBy{Attr: g, IsStruct: true})
	}

	relativeTo := sortedUnique(listParam(values, "relative_to_struct"))
	for _, r := range relativeTo {
		if !containsStr(groupByStruct, r) {
			return nil, &ValidationError{
				Key:    "relative_to_struct",
				Detail: "All 'relative_to_struct' values also need to be present in 'group_by_struct'.",
			}
		}
	}

	top, err := parseTop(values.Get("top"))
	if err != nil {
		return nil, err
	}
	within, err := parsePairs(values, "within")
	if err != nil {
		return nil, err
	}

	req := &CountRequest{
		Corpora:          corpora,
		CQPSteps:         cqpSteps,
		SubCQP:           subCQP,
		GroupBy:          groupBy,
		IgnoreCase:       listParam(values, "ignore_case"),
		Within:           within,
		DefaultWithin:    values.Get("default_within"),
		Cut:              values.Get("cut"),
		Start:            intOr(values.Get("start"), 0),
		End:              intOr(values.Get("end"), -1),
		Split:            listParam(values, "split"),
		StripPointer:     listParam(values, "strip_pointer"),
		Top:              top,
		RelativeTo:       relativeTo,
		ExpandPrequeries: ParseBool(values, "expand_prequeries", true),
		Simple:           ParseBool(values, "simple", false),
		Incremental:      ParseBool(values, "incremental", false),
		UseCache:         ParseBool(values, "cache", true),
	}

	if len(req.CQPSteps) > 1 && req.ExpandPrequeries {
		for _, corpus := range req.Corpora {
			if req.WithinFor(corpus) == "" {
				return nil, &ValidationError{
					Key:    "within",
					Detail: "Multiple CQP queries requires 'within' or 'expand_prequeries=false'",
				}
			}
		}
	}
	// the trivial query touches every token, the scan program does
	// that without evaluating anything
	if len(req.CQPSteps) == 1 && req.CQPSteps[0] == "[]" {
		req.Simple = true
	}
	return req, nil
}

// parseTop reads the "attr:N,attr2" limit parameter; a bare attribute
// means its single most frequent reading.
func parseTop(raw string) (map[string]int, error) {
	if raw == "" {
		return nil, nil
	}
	ans := make(map[string]int)
	for _, item := range strings.Split(raw, QueryDelim) {
		attr, limit, found := strings.Cut(item, ":")
		if !found {
			ans[attr] = 1
			continue
		}
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, &ValidationError{
				Key:    "top",
				Detail: fmt.Sprintf("Malformed value for key 'top': %s", item),
			}
		}
		ans[attr] = n
	}
	return ans, nil
}

// CorpusCount is one corpus's raw tabulation: grouped-count lines
// ("freq value", sub-query sections separated by the end-of-line
// sentinel), the hit count and the corpus size in tokens.
type CorpusCount struct {
	Lines []string
	Hits  int
	Size  int64
}

type cachedCount struct {
	Hits       int      `json:"hits"`
	Size       int64    `json:"size"`
	Lines      []string `json:"lines"`
	LinesSaved bool     `json:"linesSaved"`
}

// Counter runs grouped-count tabulations against individual corpora.
type Counter struct {
	CWB   *cwb.Client
	Cache *cache.Store
}

func (cn *Counter) fingerprint(corpus string, req *CountRequest) string {
	return cache.Fingerprint(
		corpus,
		cn.CWB.CorpusVersion(strings.Split(corpus, "|")[0]),
		strings.Join(req.CQPSteps, "\n"),
		strings.Join(req.SubCQP, "\n"),
		fmt.Sprintf("%v", req.GroupBy),
		req.WithinFor(corpus),
		strings.Join(sortedUnique(req.IgnoreCase), QueryDelim),
		req.Cut,
		req.ExpandPrequeries,
	)
}

// CachedHits looks up a previously computed hit count for one corpus,
// available even when the tabulation itself was too large to keep.
func (cn *Counter) CachedHits(corpus string, req *CountRequest) (int, bool) {
	if !req.UseCache || cn.Cache == nil || !cn.Cache.Enabled() {
		return 0, false
	}
	var ans cachedCount
	ok, err := cn.Cache.Get(cache.KindCount, cn.fingerprint(corpus, req), &ans)
	if err != nil || !ok {
		return 0, false
	}
	return ans.Hits, true
}

// countProgram assembles the tabulation command program for one corpus.
func (cn *Counter) countProgram(corpus string, req *CountRequest) ([]string, error) {
	within := req.WithinFor(corpus)
	params := cqp.Params{Within: within, Cut: req.Cut}

	cmd := []string{corpus + ";"}
	for i, c := range req.CQPSteps {
		sp := params
		preQuery := i+1 < len(req.CQPSteps)
		if preQuery && req.ExpandPrequeries {
			sp.Expand = "to " + within
		}
		_, optCmds, err := cqp.Optimize(c, sp, !preQuery, true, false)
		if err != nil {
			return nil, err
		}
		cmd = append(cmd, optCmds...)
		if preQuery {
			cmd = append(cmd, "Last;")
		}
	}

	cmd = append(cmd, "size Last;")
	cmd = append(cmd, "info; .EOL.;")

	hasTarget := false
	for _, c := range req.CQPSteps {
		if strings.Contains(c, "@[") {
			hasTarget = true
			break
		}
	}

	fields := make([]string, len(req.GroupBy))
	for i, g := range req.GroupBy {
		anchor := "match .. matchend"
		if hasTarget {
			anchor = "target"
		} else if g.IsStruct {
			anchor = "match"
		}
		ic := ""
		if req.ignoresCase(g.Attr) {
			ic = " %c"
		}
		fields[i] = fmt.Sprintf("%s %s%s", anchor, g.Attr, ic)
	}
	cmd = append(cmd, fmt.Sprintf(
		`tabulate Last %s > "| sort | uniq -c | sort -nr";`, strings.Join(fields, ", ")))

	if len(req.SubCQP) > 0 {
		cmd = append(cmd, "mainresult=Last;")
		subFields := make([]string, len(req.GroupBy))
		for i, g := range req.GroupBy {
			subFields[i] = "match .. matchend " + g.Attr
		}
		for _, c := range req.SubCQP {
			cmd = append(cmd, ".EOL.;")
			cmd = append(cmd, "mainresult;")
			_, optCmds, err := cqp.Optimize(c, params, true, true, false)
			if err != nil {
				return nil, err
			}
			cmd = append(cmd, optCmds...)
			cmd = append(cmd, fmt.Sprintf(
				`tabulate Last %s > "| sort | uniq -c | sort -nr";`, strings.Join(subFields, ", ")))
		}
	}

	cmd = append(cmd, "exit;")
	return cmd, nil
}

// CountCorpus tabulates one corpus. With the simple flag set the
// trivial all-tokens query is answered by the scan program instead of
// the query engine.
func (cn *Counter) CountCorpus(ctx context.Context, corpus string, req *CountRequest) (*CorpusCount, error) {
	if req.Simple {
		return cn.CountCorpusSimple(ctx, corpus, req)
	}

	var fp string
	if req.UseCache && cn.Cache != nil && cn.Cache.Enabled() {
		fp = cn.fingerprint(corpus, req)
		var saved cachedCount
		if ok, err := cn.Cache.Get(cache.KindCount, fp, &saved); err == nil && ok {
			if saved.Hits == 0 {
				// zero hits tabulate to empty sections
				lines := make([]string, len(req.SubCQP))
				for i := range lines {
					lines[i] = cwb.EndOfLine
				}
				return &CorpusCount{Lines: lines, Hits: 0, Size: saved.Size}, nil
			}
			if saved.LinesSaved {
				return &CorpusCount{Lines: saved.Lines, Hits: saved.Hits, Size: saved.Size}, nil
			}
		}
	}

	cmd, err := cn.countProgram(corpus, req)
	if err != nil {
		return nil, err
	}
	lines, err := cn.CWB.RunCQP(ctx, cmd, false)
	if err != nil {
		return nil, err
	}

	// version banner
	if _, ok := lines.Next(); !ok {
		return nil, &cwb.Error{Message: "empty response from the engine"}
	}
	hitsLine, ok := lines.Next()
	if !ok {
		return nil, &cwb.Error{Message: "missing hit count in the engine response"}
	}
	hits, err := strconv.Atoi(strings.TrimSpace(hitsLine))
	if err != nil {
		return nil, &cwb.Error{Message: fmt.Sprintf("unexpected hit count line: %s", hitsLine)}
	}

	// the corpus size hides in the info section
	var corpusSize int64
	for {
		line, ok := lines.Next()
		if !ok {
			break
		}
		if strings.HasPrefix(line, "Size:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "Size:"))
			corpusSize, _ = strconv.ParseInt(v, 10, 64)

		} else if line == cwb.EndOfLine {
			break
		}
	}

	ans := &CorpusCount{Lines: lines.Rest(), Hits: hits, Size: corpusSize}
	if fp != "" {
		saved := cachedCount{Hits: hits, Size: corpusSize}
		if hits <= countMaxCachedLines {
			saved.Lines = ans.Lines
			saved.LinesSaved = true
		}
		cn.Cache.Put(cache.KindCount, fp, saved)
	}
	return ans, nil
}

// CountCorpusSimple answers an all-tokens count with a full corpus
// scan over the grouped attributes swapping the query engine for the
// much faster scan program. Ignore-case attributes are folded and
// re-merged here since the scan program cannot do that itself.
func (cn *Counter) CountCorpusSimple(ctx context.Context, corpus string, req *CountRequest) (*CorpusCount, error) {
	attrs := make([]string, len(req.GroupBy))
	var icIndex []int
	for i, g := range req.GroupBy {
		attrs[i] = g.Attr
		if req.ignoresCase(g.Attr) {
			icIndex = append(icIndex, i)
		}
	}

	scan, err := cn.CWB.RunScan(ctx, corpus, attrs)
	if err != nil {
		return nil, err
	}
	lines, hits := foldScanLines(scan, icIndex)

	// all tokens counted, so the corpus size equals the hit count
	return &CorpusCount{Lines: lines, Hits: int(hits), Size: hits}, nil
}

// foldScanLines converts scan output ("freq\tvalue") to the regular
// tabulation format ("freq value"), folding the case of the attribute
// columns listed in icIndex and merging lines made equal by that.
func foldScanLines(scan *cwb.Lines, icIndex []int) ([]string, int64) {
	var hits int64
	var lines []string
	folded := make(map[string]int64)
	var foldOrder []string

	for {
		line, ok := scan.Next()
		if !ok {
			break
		}
		freqStr, value, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		freq, err := strconv.ParseInt(freqStr, 10, 64)
		if err != nil {
			continue
		}
		hits += freq

		if len(icIndex) > 0 {
			cols := strings.Split(value, "\t")
			for _, i := range icIndex {
				if i < len(cols) {
					cols[i] = strings.ToLower(cols[i])
				}
			}
			key := strings.Join(cols, "\t")
			if _, ok := folded[key]; !ok {
				foldOrder = append(foldOrder, key)
			}
			folded[key] += freq

		} else {
			lines = append(lines, fmt.Sprintf("%d %s", freq, value))
		}
	}

	if len(icIndex) > 0 {
		lines = make([]string, len(foldOrder))
		for i, key := range foldOrder {
			lines[i] = fmt.Sprintf("%d %s", folded[key], key)
		}
	}
	return lines, hits
}

func sortedUnique(items []string) []string {
	ans := uniqueStrings(items)
	sort.Strings(ans)
	return ans
}
