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
	"sort"
	"strconv"
	"strings"

	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cqp"
	"github.com/czcorpus/korpgate/cwb"
)

// linkedCorpusMark separates the primary query from the per-corpus
// fragments of an aligned (parallel) query step.
const linkedCorpusMark = "LINKED_CORPUS:"

// Querier runs one concordance query against individual corpora and
// remembers their hit counts so later pages can skip the counting.
type Querier struct {
	CWB    *cwb.Client
	Cache  *cache.Store
	Decode map[string]string
}

type cachedHits struct {
	Hits int `json:"hits"`
}

// CorpusFingerprint digests everything that can influence one corpus's
// result, including the corpus data version so a reindexed corpus
// never serves stale counts.
func (q *Querier) CorpusFingerprint(corpus string, req *Request) string {
	main := strings.Split(corpus, "|")[0]
	return cache.Fingerprint(
		corpus,
		q.CWB.CorpusVersion(main),
		strings.Join(req.CQPSteps, "\n"),
		req.WithinFor(corpus),
		req.Cut,
		req.ExpandPrequeries,
		req.FreeSearch,
	)
}

// QueryFingerprint digests the whole multi-corpus query. Resume tokens
// are bound to this value.
func (q *Querier) QueryFingerprint(req *Request) string {
	corpora := append([]string(nil), req.Corpora...)
	sort.Strings(corpora)
	stamped := make([]string, len(corpora))
	for i, c := range corpora {
		stamped[i] = c + "=" + q.CWB.CorpusVersion(strings.Split(c, "|")[0])
	}
	withins := make([]string, 0, len(req.Within))
	for c, w := range req.Within {
		withins = append(withins, c+":"+w)
	}
	sort.Strings(withins)
	return cache.Fingerprint(
		strings.Join(stamped, ","),
		strings.Join(req.CQPSteps, "\n"),
		req.DefaultWithin,
		strings.Join(withins, ","),
		req.Cut,
		req.ExpandPrequeries,
		req.FreeSearch,
	)
}

// CachedHits looks up a previously computed hit count for one corpus.
func (q *Querier) CachedHits(corpus string, req *Request) (int, bool) {
	if !req.UseCache || q.Cache == nil || !q.Cache.Enabled() {
		return 0, false
	}
	var ans cachedHits
	ok, err := q.Cache.Get(cache.KindQuery, q.CorpusFingerprint(corpus, req), &ans)
	if err != nil || !ok {
		return 0, false
	}
	return ans.Hits, true
}

func (q *Querier) saveHits(corpus string, req *Request, hits int) {
	if !req.UseCache || q.Cache == nil || !q.Cache.Enabled() {
		return
	}
	q.Cache.Put(cache.KindQuery, q.CorpusFingerprint(corpus, req), cachedHits{Hits: hits})
}

// SavedHits collects every per-corpus hit count known in advance:
// counts carried by the client's resume token first, cached counts for
// the rest. An incomplete map makes the scheduler fall back to the
// serial cold path.
func (q *Querier) SavedHits(req *Request) map[string]int {
	ans := make(map[string]int)
	if req.QueryData != "" {
		if rd, ok := cache.DecodeResume(req.QueryData, q.QueryFingerprint(req)); ok {
			for c, h := range rd.CorpusHits {
				ans[c] = h
			}
		}
	}
	for _, corpus := range req.Corpora {
		if _, ok := ans[corpus]; ok {
			continue
		}
		if h, ok := q.CachedHits(corpus, req); ok {
			ans[corpus] = h
		}
	}
	return ans
}

// QueryFunc adapts the querier for the fan-out scheduler.
func (q *Querier) QueryFunc(req *Request) QueryFunc {
	return func(ctx context.Context, corpus string, start, end int, countOnly bool) (*CorpusResult, error) {
		return q.QueryCorpus(ctx, corpus, req, start, end, countOnly)
	}
}

// queryProgram assembles the engine command program for one corpus:
// attribute inventory, the (possibly optimized) query steps, the hit
// count and, unless countOnly is set, the concordance page itself.
// The returned attribute list is the effective "show" set, which for
// an aligned corpus grows by the linked corpus name.
func (q *Querier) queryProgram(
	corpus string,
	req *Request,
	start, end int,
	countOnly bool,
) ([]string, []string, error) {
	show := uniqueStrings(req.Show)
	within := req.WithinFor(corpus)
	params := cqp.Params{Within: within, Cut: req.Cut}
	steps := append([]string(nil), req.CQPSteps...)
	mainCorpus := corpus

	if strings.Contains(corpus, "|") {
		linked := strings.Split(corpus, "|")
		for i, c := range steps {
			cs := strings.Split(c, linkedCorpusMark)

			// in a multi-language query the containing structure must
			// follow the primary (first language) query directly
			if len(cs) > 1 && within != "" {
				head := strings.TrimRight(cs[0], " \t\r\n")
				cs[0] = fmt.Sprintf("%s within %s : ", head[:len(head)-1], within)
				params.Within = ""
			}

			parts := []string{cs[0]}
			for _, d := range cs[1:] {
				linkedCorpora, linkCQP := splitFirstField(d)
				if containsStr(strings.Split(linkedCorpora, "|"), linked[1]) {
					parts = append(parts, linked[1]+" "+linkCQP)
				}
			}
			steps[i] = strings.TrimRight(strings.Join(parts, ""), ": ")
		}
		mainCorpus = linked[0]
		if lc := strings.ToLower(linked[1]); !containsStr(show, lc) {
			show = append(show, lc)
		}
	}

	sortcmd := cqp.SortCommands(req.Sort, req.RandomSeed)

	cmd := []string{mainCorpus + ";"}
	cmd = append(cmd, cwb.ShowAttrsCommands()...)

	freeStatus := cqp.NotNeeded
	for i, c := range steps {
		sp := params
		preQuery := i+1 < len(steps)
		if preQuery && req.ExpandPrequeries {
			sp.Expand = "to " + within
		}

		if req.FreeSearch {
			status, freeCmds, err := cqp.Optimize(c, sp, true, true, true)
			if err != nil {
				return nil, nil, &cwb.Error{Message: "Wildcards not allowed in free order query."}
			}
			if status == cqp.NotPossible {
				return nil, nil, &cwb.Error{Message: "Couldn't convert into free order query."}
			}
			freeStatus = status
			cmd = append(cmd, freeCmds...)

		} else if req.ExpandPrequeries {
			// without prequery expansion the optimizer cannot be used
			_, optCmds, err := cqp.Optimize(c, sp, !preQuery, true, false)
			if err != nil {
				return nil, nil, err
			}
			cmd = append(cmd, optCmds...)

		} else {
			cmd = append(cmd, cqp.SafeCommands(cqp.Combine(c, sp))...)
		}

		if preQuery {
			cmd = append(cmd, "Last;")
		}
	}

	// the number of results
	cmd = append(cmd, "size Last;")

	if !countOnly {
		if req.FreeSearch && freeStatus == cqp.Rewritten {
			// re-run the original tokens over the narrowed page so the
			// match regions point at the individual words again
			tokens, _ := cqp.ParseTokens(steps[len(steps)-1])
			cmd = append(cmd, "Last;")
			cmd = append(cmd, fmt.Sprintf("cut %d %d;", start, end))
			alts := "(" + strings.Join(uniqueStrings(tokens), " | ") + ")"
			cmd = append(cmd, cqp.SafeCommands(cqp.Combine(alts, params))...)
		}

		cmd = append(cmd, fmt.Sprintf("show +%s;", strings.Join(show, " +")))
		spec := req.ContextFor(corpus)
		if spec.Right == "" {
			cmd = append(cmd, fmt.Sprintf("set Context %s;", spec.Left))
		} else {
			cmd = append(cmd, fmt.Sprintf("set LeftContext %s;", spec.Left))
			cmd = append(cmd, fmt.Sprintf("set RightContext %s;", spec.Right))
		}
		cmd = append(cmd, fmt.Sprintf(
			"set LeftKWICDelim '%s '; set RightKWICDelim ' %s';", cwb.LeftDelim, cwb.RightDelim))
		if len(req.ShowStructs) > 0 {
			cmd = append(cmd, fmt.Sprintf(
				"set PrintStructures '%s';", strings.Join(req.ShowStructs, ", ")))
		}
		cmd = append(cmd, "set ExternalSort yes;")
		cmd = append(cmd, sortcmd...)
		if req.FreeSearch {
			cmd = append(cmd, "cat Last;")
		} else {
			cmd = append(cmd, fmt.Sprintf("cat Last %d %d;", start, end))
		}
	}

	cmd = append(cmd, "exit;")
	return cmd, show, nil
}

// QueryCorpus runs the query against a single corpus and parses the
// requested page. With countOnly only the hit count comes back. The
// hit count is cached on the way out.
func (q *Querier) QueryCorpus(
	ctx context.Context,
	corpus string,
	req *Request,
	start, end int,
	countOnly bool,
) (*CorpusResult, error) {
	cmd, show, err := q.queryProgram(corpus, req, start, end, countOnly)
	if err != nil {
		return nil, err
	}
	lines, err := q.CWB.RunCQP(ctx, cmd, true)
	if err != nil {
		return nil, err
	}

	// version banner
	if _, ok := lines.Next(); !ok {
		return nil, &cwb.Error{Message: "empty response from the engine"}
	}
	attrs := cwb.ReadAttributes(lines)
	hitsLine, ok := lines.Next()
	if !ok {
		return nil, &cwb.Error{Message: "missing hit count in the engine response"}
	}
	hits := 0
	if hitsLine != cwb.EndOfLine {
		hits, err = strconv.Atoi(strings.TrimSpace(hitsLine))
		if err != nil {
			return nil, &cwb.Error{
				Message: fmt.Sprintf("unexpected hit count line: %s", hitsLine)}
		}
	}
	q.saveHits(corpus, req, hits)

	ans := &CorpusResult{Hits: hits}
	if countOnly {
		return ans, nil
	}
	ans.Rows = cwb.ParseKWIC(lines, cwb.ParseOpts{
		Corpus:        corpus,
		Attrs:         attrs,
		Show:          setOf(show),
		ShowStructs:   setOf(req.ShowStructs),
		FreeMatches:   req.FreeSearch,
		DecodeSpecial: q.Decode,
	})
	if req.DisplayContext != "" {
		for i := range ans.Rows {
			cwb.TrimSecondaryContext(&ans.Rows[i], req.DisplayContext)
		}
	}
	return ans, nil
}

// splitFirstField splits off the first whitespace-delimited field.
func splitFirstField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t\r\n")
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t\r\n")
}

func uniqueStrings(items []string) []string {
	seen := make(map[string]bool, len(items))
	ans := make([]string, 0, len(items))
	for _, v := range items {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		ans = append(ans, v)
	}
	return ans
}

func setOf(items []string) map[string]bool {
	ans := make(map[string]bool, len(items))
	for _, v := range items {
		ans[v] = true
	}
	return ans
}
