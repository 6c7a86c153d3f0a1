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
	"sync"

	"github.com/czcorpus/korpgate/cwb"
	"golang.org/x/sync/errgroup"
)

// CorpusWindow is the slice of the requested page one corpus
// contributes, in that corpus's local hit numbering.
type CorpusWindow struct {
	Corpus string
	Start  int
	End    int
}

// WindowOver walks the corpora in order, mapping the global page
// [start, end] onto per-corpus hit windows using known hit counts.
func WindowOver(corpora []string, hits map[string]int, start, end int) []CorpusWindow {
	var ans []CorpusWindow
	for _, corpus := range corpora {
		h := hits[corpus]
		if h > start {
			hi := h - 1
			if end < hi {
				hi = end
			}
			ans = append(ans, CorpusWindow{Corpus: corpus, Start: start, End: hi})
		}
		start -= h
		end -= h
		if start < 0 {
			start = 0
		}
		if end < 0 {
			break
		}
	}
	return ans
}

// CorpusResult is one corpus's answer: its page of rows plus the total
// hit count.
type CorpusResult struct {
	Rows []cwb.Row
	Hits int
}

// QueryFunc runs the query against a single corpus. countOnly asks for
// the hit count with no rows.
type QueryFunc func(ctx context.Context, corpus string, start, end int, countOnly bool) (*CorpusResult, error)

// Merged is the combined answer over all corpora. RowsEmitted signals
// that the rows already left as an incremental fragment and must not be
// repeated in the final document.
type Merged struct {
	Rows        []cwb.Row
	TotalHits   int
	CorpusHits  map[string]int
	RowsEmitted bool
}

// EmitFunc publishes one incremental result fragment.
type EmitFunc func(key string, value any)

// Scheduler fans a query out over corpora. With complete saved hit
// counts it queries only the corpora whose hits fall into the page;
// otherwise it walks the corpora serially until the page is filled and
// resolves the remaining counts in parallel.
type Scheduler struct {
	Workers int
	Query   QueryFunc
}

// Run executes the query over all corpora for the page [start, end].
// saved maps corpora to previously known hit counts; emit may be nil
// for non-incremental requests. A failing corpus cancels the rest.
func (s *Scheduler) Run(
	ctx context.Context,
	corpora []string,
	saved map[string]int,
	start, end int,
	emit EmitFunc,
) (*Merged, error) {
	complete := len(saved) > 0
	for _, corpus := range corpora {
		if _, ok := saved[corpus]; !ok {
			complete = false
			break
		}
	}
	if complete {
		return s.runWindowed(ctx, corpora, saved, start, end, emit)
	}
	return s.runCold(ctx, corpora, saved, start, end, emit)
}

func (s *Scheduler) runWindowed(
	ctx context.Context,
	corpora []string,
	saved map[string]int,
	start, end int,
	emit EmitFunc,
) (*Merged, error) {
	ans := &Merged{CorpusHits: make(map[string]int, len(corpora))}
	for _, corpus := range corpora {
		ans.CorpusHits[corpus] = saved[corpus]
		ans.TotalHits += saved[corpus]
	}
	windows := WindowOver(corpora, saved, start, end)

	switch len(windows) {
	case 0:
		return ans, nil

	case 1:
		// a single queried corpus is cheaper without workers
		w := windows[0]
		res, err := s.Query(ctx, w.Corpus, w.Start, w.End, false)
		if err != nil {
			return nil, err
		}
		ans.Rows = res.Rows
		return ans, nil
	}

	if emit != nil {
		names := make([]string, len(windows))
		for i, w := range windows {
			names[i] = w.Corpus
		}
		emit("progress_corpora", names)
	}

	results := make([][]cwb.Row, len(windows))
	var mu sync.Mutex
	progress := 0
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers())
	for i, w := range windows {
		i, w := i, w
		group.Go(func() error {
			res, err := s.Query(gCtx, w.Corpus, w.Start, w.End, false)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res.Rows
			if emit != nil {
				emit(fmt.Sprintf("progress_%d", progress), map[string]any{
					"corpus": w.Corpus,
					"hits":   w.End - w.Start + 1,
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
	for _, rows := range results {
		ans.Rows = append(ans.Rows, rows...)
	}
	return ans, nil
}

func (s *Scheduler) runCold(
	ctx context.Context,
	corpora []string,
	saved map[string]int,
	start, end int,
	emit EmitFunc,
) (*Merged, error) {
	ans := &Merged{CorpusHits: make(map[string]int, len(corpora))}
	if emit != nil {
		emit("progress_corpora", corpora)
	}
	progress := 0
	startLocal, endLocal := start, end
	var rest []string

	for i, corpus := range corpora {
		if endLocal < 0 {
			rest = corpora[i:]
			break
		}
		var rows []cwb.Row
		hits, known := saved[corpus]
		if known && hits-1 < startLocal {
			// the whole corpus lies before the page, no need to query

		} else {
			res, err := s.Query(ctx, corpus, startLocal, endLocal, false)
			if err != nil {
				return nil, err
			}
			rows, hits = res.Rows, res.Hits
		}
		ans.CorpusHits[corpus] = hits
		ans.TotalHits += hits
		startLocal -= hits
		endLocal -= hits
		if startLocal < 0 {
			startLocal = 0
		}
		ans.Rows = append(ans.Rows, rows...)
		if emit != nil {
			emit(fmt.Sprintf("progress_%d", progress), map[string]any{
				"corpus": corpus,
				"hits":   hits,
			})
			progress++
		}
	}

	if emit != nil {
		// rows found so far can leave immediately; only counts remain
		emit("kwic", ans.Rows)
		ans.RowsEmitted = true
	}
	if len(rest) == 0 {
		return ans, nil
	}

	var toCount []string
	for _, corpus := range rest {
		if hits, ok := saved[corpus]; ok {
			ans.CorpusHits[corpus] = hits
			ans.TotalHits += hits

		} else {
			toCount = append(toCount, corpus)
		}
	}

	var mu sync.Mutex
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers())
	for _, corpus := range toCount {
		corpus := corpus
		group.Go(func() error {
			res, err := s.Query(gCtx, corpus, 0, 0, true)
			if err != nil {
				return err
			}
			mu.Lock()
			ans.CorpusHits[corpus] = res.Hits
			ans.TotalHits += res.Hits
			if emit != nil {
				emit(fmt.Sprintf("progress_%d", progress), map[string]any{
					"corpus": corpus,
					"hits":   res.Hits,
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
	return ans, nil
}

func (s *Scheduler) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 3
}
