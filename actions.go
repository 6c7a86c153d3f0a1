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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/czcorpus/korpgate/auth"
	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cnf"
	"github.com/czcorpus/korpgate/cqp"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/czcorpus/korpgate/rels"
	"github.com/czcorpus/korpgate/search"
	"github.com/czcorpus/korpgate/stats"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Actions wires the HTTP operations to the engine client, the cache,
// the metadata database and the authentication gate. db may be nil
// when no database is configured; the operations needing one then
// answer with an error.
type Actions struct {
	conf    *cnf.Conf
	version VersionInfo
	cwb     *cwb.Client
	cache   *cache.Store
	db      *rels.Database
	gate    *auth.Gate
	querier *search.Querier
	counter *search.Counter
}

func NewActions(
	conf *cnf.Conf,
	version VersionInfo,
	cwbClient *cwb.Client,
	cacheStore *cache.Store,
	db *rels.Database,
	gate *auth.Gate,
) *Actions {
	return &Actions{
		conf:    conf,
		version: version,
		cwb:     cwbClient,
		cache:   cacheStore,
		db:      db,
		gate:    gate,
		querier: &search.Querier{
			CWB:    cwbClient,
			Cache:  cacheStore,
			Decode: conf.Engine.EncodedSpecialChars,
		},
		counter: &search.Counter{CWB: cwbClient, Cache: cacheStore},
	}
}

// formValues merges URL query and POST form parameters; both request
// styles carry identical keys. A malformed body or query string is
// reported as an invalid-value error.
func formValues(ctx *gin.Context) (url.Values, error) {
	if err := ctx.Request.ParseForm(); err != nil {
		return nil, &search.ValidationError{
			Key:    "form",
			Detail: fmt.Sprintf("Failed to parse request parameters: %s", err),
		}
	}
	return ctx.Request.Form, nil
}

func credentials(ctx *gin.Context) *auth.Credentials {
	if username, password, ok := ctx.Request.BasicAuth(); ok {
		return &auth.Credentials{Username: username, Password: password}
	}
	return nil
}

func (a *Actions) streamer(incremental bool) *search.Streamer {
	return &search.Streamer{
		Incremental:       incremental,
		KeepaliveInterval: time.Duration(a.conf.KeepaliveIntervalSecs) * time.Second,
	}
}

func (a *Actions) checkAccess(ctx context.Context, corpora []string, creds *auth.Credentials) error {
	if a.gate == nil {
		return nil
	}
	return a.gate.Check(ctx, corpora, creds)
}

func (a *Actions) requireDB() (*rels.Database, error) {
	if a.db == nil {
		return nil, errors.New("the metadata database is not configured")
	}
	return a.db, nil
}

func atoiOr(v string, dflt int) int {
	if v == "" {
		return dflt
	}
	ans, err := strconv.Atoi(v)
	if err != nil {
		return dflt
	}
	return ans
}

func splitListUpper(v string) []string {
	items := strings.Split(strings.ToUpper(v), search.QueryDelim)
	seen := make(map[string]bool, len(items))
	ans := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		ans = append(ans, item)
	}
	return ans
}

func splitList(v string) []string {
	var ans []string
	for _, item := range strings.Split(v, search.QueryDelim) {
		if item != "" {
			ans = append(ans, item)
		}
	}
	return ans
}

func cloneValues(values url.Values) url.Values {
	ans := make(url.Values, len(values))
	for k, vs := range values {
		ans[k] = append([]string(nil), vs...)
	}
	return ans
}

// withDefaults fills in the configured server-side fallbacks for
// parameters a request may omit.
func (a *Actions) withDefaults(values url.Values) url.Values {
	if values.Get("default_within") == "" && a.conf.DefaultWithin != "" {
		values = cloneValues(values)
		values.Set("default_within", a.conf.DefaultWithin)
	}
	return values
}

// ---------------------------- /info ---------------------------------

func (a *Actions) Info(ctx *gin.Context) {
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		lines, err := a.cwb.RunCQP(ctx.Request.Context(), []string{"show corpora;", "exit;"}, false)
		if err != nil {
			return nil, err
		}
		cqpVersion, _ := lines.Next()
		corpora := lines.Rest()
		protected := []string{}
		if a.db != nil {
			protected, err = a.db.ProtectedCorpora(ctx.Request.Context())
			if err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"version":           a.version.Version,
			"cqp_version":       cqpVersion,
			"corpora":           corpora,
			"protected_corpora": protected,
		}, nil
	})
}

// ------------------------- /corpus_info -----------------------------

type corpusInfo struct {
	Attrs cwb.AttrList      `json:"attrs"`
	Info  map[string]string `json:"info"`
}

func (a *Actions) corpusInfoFingerprint(corpus string) string {
	return cache.Fingerprint("corpus_info", corpus, a.cwb.CorpusVersion(corpus))
}

func (a *Actions) CorpusInfo(ctx *gin.Context) {
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		values, err := formValues(ctx)
		if err != nil {
			return nil, err
		}
		corpora, err := search.ParseCorpora(values, a.conf.SortCorporaDefault())
		if err != nil {
			return nil, err
		}
		useCache := search.ParseBool(values, "cache", true) &&
			a.cache != nil && a.cache.Enabled()

		infos := make(map[string]*corpusInfo, len(corpora))
		var cmd []string
		var toQuery []string
		for _, corpus := range corpora {
			if useCache {
				var saved corpusInfo
				ok, err := a.cache.Get(cache.KindInfo, a.corpusInfoFingerprint(corpus), &saved)
				if err == nil && ok {
					infos[corpus] = &saved
					continue
				}
			}
			cmd = append(cmd, corpus+";")
			cmd = append(cmd, cwb.ShowAttrsCommands()...)
			cmd = append(cmd, "info; .EOL.;")
			toQuery = append(toQuery, corpus)
		}

		if len(cmd) > 0 {
			cmd = append(cmd, "exit;")
			lines, err := a.cwb.RunCQP(ctx.Request.Context(), cmd, true)
			if err != nil {
				return nil, err
			}
			// version banner
			lines.Next()
			for _, corpus := range toQuery {
				attrs := cwb.ReadAttributes(lines)
				info := make(map[string]string)
				for {
					line, ok := lines.Next()
					if !ok || line == cwb.EndOfLine {
						break
					}
					if key, value, found := strings.Cut(line, ":"); found && value != "" {
						info[strings.TrimSpace(key)] = strings.TrimSpace(value)
					}
				}
				infos[corpus] = &corpusInfo{Attrs: attrs, Info: info}
				if useCache {
					a.cache.Put(cache.KindInfo, a.corpusInfoFingerprint(corpus), infos[corpus])
				}
			}
		}

		var totalSize, totalSentences int64
		resultCorpora := make(map[string]any, len(corpora))
		for _, corpus := range corpora {
			ci := infos[corpus]
			if ci == nil {
				continue
			}
			resultCorpora[corpus] = ci
			if v, err := strconv.ParseInt(ci.Info["Size"], 10, 64); err == nil {
				totalSize += v
			}
			if v, err := strconv.ParseInt(ci.Info["Sentences"], 10, 64); err == nil {
				totalSentences += v
			}
		}
		return map[string]any{
			"corpora":         resultCorpora,
			"total_size":      totalSize,
			"total_sentences": totalSentences,
		}, nil
	})
}

// ---------------------------- /query --------------------------------

func (a *Actions) Query(ctx *gin.Context) {
	values, fvErr := formValues(ctx)
	creds := credentials(ctx)
	st := a.streamer(search.ParseBool(values, "incremental", false))
	st.Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		if fvErr != nil {
			return nil, fvErr
		}
		req, err := search.ParseQueryRequest(
			a.withDefaults(values), a.conf.MaxKwicRows, a.conf.SortCorporaDefault())
		if err != nil {
			return nil, err
		}
		if err := a.checkAccess(ctx.Request.Context(), req.Corpora, creds); err != nil {
			return nil, err
		}
		saved := a.querier.SavedHits(req)
		sched := &search.Scheduler{
			Workers: a.conf.ParallelWorkers,
			Query:   a.querier.QueryFunc(req),
		}
		var emitFn search.EmitFunc
		if req.Incremental {
			emitFn = emit
		}
		merged, err := sched.Run(
			ctx.Request.Context(), req.Corpora, saved, req.Start, req.End, emitFn)
		if err != nil {
			return nil, err
		}

		result := map[string]any{
			"hits":         merged.TotalHits,
			"corpus_hits":  merged.CorpusHits,
			"corpus_order": req.Corpora,
		}
		if !merged.RowsEmitted {
			rows := merged.Rows
			if rows == nil {
				rows = []cwb.Row{}
			}
			result["kwic"] = rows
		}
		if token, err := cache.EncodeResume(
			a.querier.QueryFingerprint(req), req.Corpora, merged.CorpusHits); err == nil {
			result["query_data"] = token
		}
		return result, nil
	})
}

// --------------------------- /optimize ------------------------------

func (a *Actions) Optimize(ctx *gin.Context) {
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		values, err := formValues(ctx)
		if err != nil {
			return nil, err
		}
		if err := search.AssertRequired(values, "cqp"); err != nil {
			return nil, err
		}
		within := values.Get("within")
		if within == "" {
			within = "sentence"
		}
		params := cqp.Params{Within: within, Cut: values.Get("cut")}
		freeSearch := !search.ParseBool(values, "in_order", true)

		status, commands, err := cqp.Optimize(values.Get("cqp"), params, false, false, freeSearch)
		if err != nil {
			if errors.Is(err, cqp.ErrWildcardInFreeQuery) {
				return nil, &cwb.Error{Message: "Wildcards not allowed in free order query."}
			}
			return nil, err
		}
		return map[string]any{
			"cqp": []any{rewriteCode(status), commands},
		}, nil
	})
}

// rewriteCode translates the optimizer outcome to the wire codes
// clients know: 0 rewritten, 1 not needed, 2 not possible.
func rewriteCode(status cqp.RewriteStatus) int {
	switch status {
	case cqp.Rewritten:
		return 0
	case cqp.NotNeeded:
		return 1
	default:
		return 2
	}
}

// ------------------------- /count, /count_all -----------------------

func (a *Actions) Count(ctx *gin.Context) {
	values, err := formValues(ctx)
	a.count(ctx, values, err)
}

// CountAll counts every token of the grouped attributes; it is /count
// with the trivial query forced in.
func (a *Actions) CountAll(ctx *gin.Context) {
	values, err := formValues(ctx)
	if err == nil {
		values = cloneValues(values)
		for key := range values {
			if strings.HasPrefix(key, "cqp") || strings.HasPrefix(key, "subcqp") {
				values.Del(key)
			}
		}
		values.Set("cqp", "[]")
	}
	a.count(ctx, values, err)
}

func (a *Actions) count(ctx *gin.Context, values url.Values, fvErr error) {
	creds := credentials(ctx)
	st := a.streamer(search.ParseBool(values, "incremental", false))
	st.Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		if fvErr != nil {
			return nil, fvErr
		}
		req, err := search.ParseCountRequest(a.withDefaults(values), a.conf.SortCorporaDefault())
		if err != nil {
			return nil, err
		}
		if err := a.checkAccess(ctx.Request.Context(), req.Corpora, creds); err != nil {
			return nil, err
		}
		var emitFn search.EmitFunc
		if req.Incremental {
			emitFn = emit
		}
		agg, err := a.runCount(ctx.Request.Context(), req, emitFn)
		if err != nil {
			return nil, err
		}
		res := agg.Finalize(req.Start, req.End)
		return map[string]any{
			"corpora":  res.Corpora,
			"combined": res.Combined,
			"count":    res.Count,
		}, nil
	})
}

// runCount tabulates all requested corpora in parallel and merges the
// outputs in corpus-list order. When the request names normalization
// attributes, their per-value token totals are counted first and the
// aggregate measures relative frequencies against them.
func (a *Actions) runCount(
	ctx context.Context,
	req *search.CountRequest,
	emit search.EmitFunc,
) (*stats.CountAggregator, error) {
	agg := stats.NewCountAggregator(
		req.GroupBy, req.Split, req.StripPointer, req.Top, req.SubCQP, cwb.EndOfLine)
	if len(req.RelativeTo) > 0 {
		relAgg, err := a.runCount(ctx, req.RelativeRequest(), nil)
		if err != nil {
			return nil, err
		}
		if err := agg.RelativizeTo(req.RelativeTo, relAgg.Totals()); err != nil {
			return nil, err
		}
	}
	if emit != nil {
		emit("progress_corpora", req.Corpora)
	}
	results := make([]*search.CorpusCount, len(req.Corpora))
	var mu sync.Mutex
	progress := 0
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.conf.ParallelWorkers)
	for i, corpus := range req.Corpora {
		i, corpus := i, corpus
		group.Go(func() error {
			cc, err := a.counter.CountCorpus(gCtx, corpus, req)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = cc
			if emit != nil {
				emit(fmt.Sprintf("progress_%d", progress), map[string]any{
					"corpus": corpus,
					"hits":   cc.Hits,
				})
				progress++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	for i, corpus := range req.Corpora {
		if err := agg.AddCorpus(corpus, results[i].Lines, results[i].Size); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// --------------------------- /loglike -------------------------------

func (a *Actions) LogLike(ctx *gin.Context) {
	values, fvErr := formValues(ctx)
	creds := credentials(ctx)
	st := a.streamer(search.ParseBool(values, "incremental", false))
	st.Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		if fvErr != nil {
			return nil, fvErr
		}
		for _, key := range []string{"set1_cqp", "set2_cqp", "set1_corpus", "set2_corpus"} {
			if err := search.AssertRequired(values, key); err != nil {
				return nil, err
			}
		}
		if err := search.AssertNumber(values, "max", false); err != nil {
			return nil, err
		}
		maxResults := atoiOr(values.Get("max"), 15)

		set1 := splitListUpper(values.Get("set1_corpus"))
		set2 := splitListUpper(values.Get("set2_corpus"))
		union := splitListUpper(values.Get("set1_corpus") + search.QueryDelim + values.Get("set2_corpus"))
		sort.Strings(union)
		if err := a.checkAccess(ctx.Request.Context(), union, creds); err != nil {
			return nil, err
		}

		var sets [2]stats.FreqSet
		fillSet := func(agg *stats.CountAggregator, i int, corpora []string) {
			freq := make(map[string]int64)
			var total int64
			for _, corpus := range corpora {
				rows, sum := agg.CorpusFreqs(corpus)
				total += sum
				for key, f := range rows {
					freq[key] += f
				}
			}
			sets[i] = stats.FreqSet{Total: total, Freq: freq}
		}

		if values.Get("set1_cqp") == values.Get("set2_cqp") {
			// identical queries are answered by a single tabulation
			// over the union of both corpus sets
			cv := cloneValues(values)
			cv.Set("cqp", values.Get("set1_cqp"))
			cv.Set("corpus", strings.Join(union, search.QueryDelim))
			req, err := search.ParseCountRequest(a.withDefaults(cv), a.conf.SortCorporaDefault())
			if err != nil {
				return nil, err
			}
			agg, err := a.runCount(ctx.Request.Context(), req, nil)
			if err != nil {
				return nil, err
			}
			fillSet(agg, 0, set1)
			fillSet(agg, 1, set2)

		} else {
			for i, side := range []struct {
				corpora []string
				cqpKey  string
			}{
				{set1, "set1_cqp"},
				{set2, "set2_cqp"},
			} {
				cv := cloneValues(values)
				cv.Set("cqp", values.Get(side.cqpKey))
				cv.Set("corpus", strings.Join(side.corpora, search.QueryDelim))
				req, err := search.ParseCountRequest(a.withDefaults(cv), a.conf.SortCorporaDefault())
				if err != nil {
					return nil, err
				}
				agg, err := a.runCount(ctx.Request.Context(), req, nil)
				if err != nil {
					return nil, err
				}
				fillSet(agg, i, side.corpora)
			}
		}

		items, avg, _, _ := stats.CompareSets(sets[0], sets[1], maxResults)
		loglike := make(map[string]float64, len(items))
		freqs1 := make(map[string]int64, len(items))
		freqs2 := make(map[string]int64, len(items))
		for _, item := range items {
			word := stats.FormatKeyWords(item.Key)
			loglike[word] = item.Score
			freqs1[word] = sets[0].Freq[item.Key]
			freqs2[word] = sets[1].Freq[item.Key]
		}
		return map[string]any{
			"loglike": loglike,
			"average": avg,
			"set1":    freqs1,
			"set2":    freqs2,
		}, nil
	})
}

// ------------------------- /lemgram_count ---------------------------

var lemgramFreqColumns = map[string]string{
	"lemgram": "freq",
	"prefix":  "freq_prefix",
	"suffix":  "freq_suffix",
}

func (a *Actions) LemgramCount(ctx *gin.Context) {
	creds := credentials(ctx)
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		db, err := a.requireDB()
		if err != nil {
			return nil, err
		}
		values, err := formValues(ctx)
		if err != nil {
			return nil, err
		}
		if err := search.AssertRequired(values, "lemgram"); err != nil {
			return nil, err
		}
		if err := search.AssertIdent(values, "corpus", false); err != nil {
			return nil, err
		}
		var corpora []string
		if values.Get("corpus") != "" {
			corpora, err = search.ParseCorpora(values, a.conf.SortCorporaDefault())
			if err != nil {
				return nil, err
			}
			if err := a.checkAccess(ctx.Request.Context(), corpora, creds); err != nil {
				return nil, err
			}
		}

		lemgrams := strings.Split(values.Get("lemgram"), search.QueryDelim)
		countBy := values.Get("count")
		if countBy == "" {
			countBy = "lemgram"
		}
		var freqColumns []string
		seen := make(map[string]bool)
		for _, c := range strings.Split(countBy, search.QueryDelim) {
			col, ok := lemgramFreqColumns[c]
			if !ok {
				return nil, &search.ValidationError{Key: "count"}
			}
			if !seen[col] {
				seen[col] = true
				freqColumns = append(freqColumns, col)
			}
		}

		counts, err := db.LemgramCounts(ctx.Request.Context(), lemgrams, corpora, freqColumns)
		if err != nil {
			return nil, err
		}
		result := make(map[string]any, len(counts))
		for _, lemgram := range lemgrams {
			if freq := counts[lemgram]; freq > 0 {
				result[lemgram] = freq
			}
		}
		return result, nil
	})
}

// --------------------------- /timespan ------------------------------

var timespanGranularities = map[string]bool{
	"y": true, "m": true, "d": true, "h": true, "n": true, "s": true,
}

// normalizeDate turns the compact YYYYMMDD[hhmmss] input form into the
// dashed format the time tables store.
func normalizeDate(v string) string {
	digits := true
	for _, c := range v {
		if c < '0' || c > '9' {
			digits = false
			break
		}
	}
	if !digits {
		return v
	}
	if len(v) >= 8 {
		ans := v[:4] + "-" + v[4:6] + "-" + v[6:8]
		if len(v) >= 14 {
			ans += " " + v[8:10] + ":" + v[10:12] + ":" + v[12:14]
		}
		return ans
	}
	return v
}

func (a *Actions) Timespan(ctx *gin.Context) {
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		db, err := a.requireDB()
		if err != nil {
			return nil, err
		}
		values, err := formValues(ctx)
		if err != nil {
			return nil, err
		}
		corpora, err := search.ParseCorpora(values, a.conf.SortCorporaDefault())
		if err != nil {
			return nil, err
		}
		granularity := strings.ToLower(values.Get("granularity"))
		if granularity == "" {
			granularity = "y"
		}
		if !timespanGranularities[granularity] {
			return nil, &search.ValidationError{Key: "granularity"}
		}
		strategy := atoiOr(values.Get("strategy"), 1)
		if strategy < 1 || strategy > 3 {
			return nil, &search.ValidationError{Key: "strategy"}
		}
		combined := search.ParseBool(values, "combined", true)
		perCorpus := search.ParseBool(values, "per_corpus", true)
		from := normalizeDate(values.Get("from"))
		to := normalizeDate(values.Get("to"))
		if (from == "") != (to == "") {
			return nil, &search.ValidationError{
				Key:    "from",
				Detail: "When using 'from' or 'to', both need to be specified.",
			}
		}

		useCache := search.ParseBool(values, "cache", true) &&
			a.cache != nil && a.cache.Enabled()
		fingerprint := cache.Fingerprint(
			"timespan", granularity, combined, perCorpus, strategy, from, to,
			strings.Join(corpora, search.QueryDelim))
		var res *stats.TimespanResult
		if useCache {
			var saved stats.TimespanResult
			if ok, err := a.cache.Get(cache.KindTimespan, fingerprint, &saved); err == nil && ok {
				res = &saved
			}
		}
		if res == nil {
			rows, err := db.TimeData(
				ctx.Request.Context(), corpora, granularity, from, to, strategy)
			if err != nil {
				return nil, err
			}
			res = stats.CalculateTimespan(rows, granularity, combined, perCorpus, strategy)
			if useCache {
				a.cache.Put(cache.KindTimespan, fingerprint, res)
			}
		}

		result := make(map[string]any)
		if perCorpus {
			result["corpora"] = res.Corpora
		}
		if combined {
			result["combined"] = res.Combined
		}
		return result, nil
	})
}

// --------------------------- /relations -----------------------------

func (a *Actions) Relations(ctx *gin.Context) {
	values, fvErr := formValues(ctx)
	creds := credentials(ctx)
	st := a.streamer(search.ParseBool(values, "incremental", false))
	st.Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		if fvErr != nil {
			return nil, fvErr
		}
		db, err := a.requireDB()
		if err != nil {
			return nil, err
		}
		if err := search.AssertRequired(values, "word"); err != nil {
			return nil, err
		}
		for _, key := range []string{"min", "max"} {
			if err := search.AssertNumber(values, key, false); err != nil {
				return nil, err
			}
		}
		corpora, err := search.ParseCorpora(values, a.conf.SortCorporaDefault())
		if err != nil {
			return nil, err
		}
		if err := a.checkAccess(ctx.Request.Context(), corpora, creds); err != nil {
			return nil, err
		}

		word := values.Get("word")
		searchType := values.Get("type")
		if searchType != "" && searchType != "word" && searchType != "lemgram" {
			return nil, &search.ValidationError{Key: "type"}
		}
		minFreq := atoiOr(values.Get("min"), 0)
		maxResults := atoiOr(values.Get("max"), 15)
		sortKey := values.Get("sort")
		if sortKey == "" {
			sortKey = "mi"
		}

		available, err := db.AvailableCorpora(ctx.Request.Context())
		if err != nil {
			return nil, err
		}
		availSet := make(map[string]bool, len(available))
		for _, c := range available {
			availSet[strings.ToUpper(c)] = true
		}
		var present []string
		for _, c := range corpora {
			if availSet[c] {
				present = append(present, c)
			}
		}
		if len(present) == 0 {
			return map[string]any{}, nil
		}

		useCache := search.ParseBool(values, "cache", true) &&
			a.cache != nil && a.cache.Enabled()
		relFingerprint := func(corpus string) string {
			return cache.Fingerprint("relations", corpus, word, searchType, minFreq)
		}

		var allRows []rels.RelationRow
		var toFetch []string
		for _, corpus := range present {
			if useCache {
				var saved []rels.RelationRow
				if ok, err := a.cache.Get(cache.KindWordPicture, relFingerprint(corpus), &saved); err == nil && ok {
					allRows = append(allRows, saved...)
					continue
				}
			}
			toFetch = append(toFetch, corpus)
		}

		if st.Incremental && len(toFetch) > 0 {
			emit("progress_corpora", toFetch)
		}
		for i, corpus := range toFetch {
			rows, err := db.RelationRows(
				ctx.Request.Context(), corpus, word, searchType, minFreq)
			if err != nil {
				return nil, err
			}
			if useCache {
				a.cache.Put(cache.KindWordPicture, relFingerprint(corpus), rows)
			}
			allRows = append(allRows, rows...)
			if st.Incremental {
				emit(fmt.Sprintf("progress_%d", i), map[string]any{"corpus": corpus})
			}
		}

		relations := rels.BuildWordPicture(allRows, word, searchType, sortKey, maxResults)
		result := make(map[string]any)
		if len(relations) > 0 {
			result["relations"] = relations
		}
		return result, nil
	})
}

// ---------------------- /relations_sentences ------------------------

func (a *Actions) RelationsSentences(ctx *gin.Context) {
	creds := credentials(ctx)
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		db, err := a.requireDB()
		if err != nil {
			return nil, err
		}
		values, err := formValues(ctx)
		if err != nil {
			return nil, err
		}
		if err := search.AssertRequired(values, "source"); err != nil {
			return nil, err
		}
		for _, key := range []string{"start", "end"} {
			if err := search.AssertNumber(values, key, false); err != nil {
				return nil, err
			}
		}

		source := make(map[string]map[int64]bool)
		for _, locator := range strings.Split(values.Get("source"), search.QueryDelim) {
			corpus, idRaw, found := strings.Cut(locator, ":")
			if !found {
				return nil, &search.ValidationError{Key: "source"}
			}
			id, err := strconv.ParseInt(idRaw, 10, 64)
			if err != nil {
				return nil, &search.ValidationError{Key: "source"}
			}
			corpus = strings.ToUpper(corpus)
			if source[corpus] == nil {
				source[corpus] = make(map[int64]bool)
			}
			source[corpus][id] = true
		}
		requested := make([]string, 0, len(source))
		for corpus := range source {
			requested = append(requested, corpus)
		}
		sort.Strings(requested)
		if err := a.checkAccess(ctx.Request.Context(), requested, creds); err != nil {
			return nil, err
		}

		start := atoiOr(values.Get("start"), 0)
		end := atoiOr(values.Get("end"), 9)
		shown := splitList(values.Get("show"))
		if len(shown) == 0 {
			shown = []string{"word"}
		}
		shownStructs := splitList(values.Get("show_struct"))
		defaultContext := values.Get("default_context")
		if defaultContext == "" {
			defaultContext = "1 sentence"
		}

		available, err := db.AvailableCorpora(ctx.Request.Context())
		if err != nil {
			return nil, err
		}
		availSet := make(map[string]bool, len(available))
		for _, c := range available {
			availSet[strings.ToUpper(c)] = true
		}
		var corpora []string
		for _, corpus := range requested {
			if availSet[corpus] {
				corpora = append(corpora, corpus)
			}
		}
		if len(corpora) == 0 {
			return map[string]any{}, nil
		}

		queryStart := time.Now()
		corpusIDs := make(map[string][]int64, len(corpora))
		corpusHits := make(map[string]int, len(corpora))
		totalHits := 0
		for _, corpus := range corpora {
			ids := make([]int64, 0, len(source[corpus]))
			for id := range source[corpus] {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			corpusIDs[corpus] = ids
			cnt, err := db.SentenceCount(ctx.Request.Context(), corpus, ids)
			if err != nil {
				return nil, err
			}
			corpusHits[corpus] = int(cnt)
			totalHits += int(cnt)
		}

		// one window over the per-corpus sentence lists concatenated in
		// corpus order
		type span struct{ start, end int }
		corporaDict := make(map[string]map[string][]span)
		offset, limit := start, end-start+1
		for _, corpus := range corpora {
			if limit <= 0 {
				break
			}
			hits := corpusHits[corpus]
			if offset >= hits {
				offset -= hits
				continue
			}
			rows, err := db.Sentences(
				ctx.Request.Context(), corpus, corpusIDs[corpus], limit, offset)
			if err != nil {
				return nil, err
			}
			offset = 0
			limit -= len(rows)
			for _, row := range rows {
				if corporaDict[corpus] == nil {
					corporaDict[corpus] = make(map[string][]span)
				}
				corporaDict[corpus][row.Sentence] = append(
					corporaDict[corpus][row.Sentence], span{start: row.Start, end: row.End})
			}
		}
		queryTime := time.Since(queryStart).Seconds()

		if len(corporaDict) == 0 {
			return map[string]any{"hits": 0}, nil
		}

		cqpStart := time.Now()
		var kwic []cwb.Row
		for _, corpus := range corpora {
			sids := corporaDict[corpus]
			if len(sids) == 0 {
				continue
			}
			sidValues := make([]string, 0, len(sids))
			for sid := range sids {
				sidValues = append(sidValues, sid)
			}
			sort.Strings(sidValues)
			req := &search.Request{
				Corpora: []string{corpus},
				CQPSteps: []string{fmt.Sprintf(
					`<sentence_id="%s"> []* </sentence_id> within sentence`,
					strings.Join(sidValues, "|"))},
				Start:            0,
				End:              end - start,
				Show:             append(append([]string(nil), shown...), "word"),
				ShowStructs:      append([]string{"sentence_id"}, shownStructs...),
				DefaultContext:   defaultContext,
				ExpandPrequeries: true,
			}
			res, err := a.querier.QueryCorpus(
				ctx.Request.Context(), corpus, req, 0, end-start, false)
			if err != nil {
				return nil, err
			}
			for _, row := range res.Rows {
				sidPtr := row.Structs["sentence_id"]
				if sidPtr == nil {
					kwic = append(kwic, row)
					continue
				}
				match, ok := row.Match.(*cwb.Match)
				if !ok {
					kwic = append(kwic, row)
					continue
				}
				sentenceStart := match.Start
				// one row per relation occurrence within the sentence
				for _, sp := range sids[*sidPtr] {
					remapped := *match
					remapped.Start = sentenceStart + sp.start - 1
					remapped.End = sentenceStart + sp.end
					dup := row
					dup.Match = &remapped
					kwic = append(kwic, dup)
				}
			}
		}

		return map[string]any{
			"kwic":         kwic,
			"hits":         totalHits,
			"corpus_hits":  corpusHits,
			"corpus_order": corpora,
			"querytime":    queryTime,
			"cqptime":      time.Since(cqpStart).Seconds(),
		}, nil
	})
}

// -------------------------- /authenticate ---------------------------

func (a *Actions) Authenticate(ctx *gin.Context) {
	creds := credentials(ctx)
	a.streamer(false).Run(ctx.Writer, func(emit search.EmitFunc) (map[string]any, error) {
		if creds == nil {
			return map[string]any{}, nil
		}
		permitted, err := a.gate.Permitted(ctx.Request.Context(), creds)
		if err != nil {
			return nil, err
		}
		return map[string]any{"corpora": permitted}, nil
	})
}
