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
	"strings"
	"testing"

	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuerier(t *testing.T) *Querier {
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return &Querier{
		CWB:   cwb.NewClient(&cwb.Conf{RegistryDir: t.TempDir()}),
		Cache: store,
	}
}

func basicRequest(corpora ...string) *Request {
	return &Request{
		Corpora:          corpora,
		CQPSteps:         []string{`[word="hund"]`},
		Start:            0,
		End:              9,
		DefaultContext:   "10 words",
		Show:             []string{"word"},
		ExpandPrequeries: true,
		UseCache:         true,
	}
}

func TestQueryProgramBasic(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")

	cmd, show, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"word"}, show)
	assert.Equal(t, "SUSANNE;", cmd[0])
	assert.Equal(t, "show cd;", cmd[1])
	assert.Equal(t, ".EOL.;", cmd[2])
	assert.Contains(t, cmd, `[word="hund"];`)
	assert.Contains(t, cmd, "size Last;")
	assert.Contains(t, cmd, "show +word;")
	assert.Contains(t, cmd, "set Context 10 words;")
	assert.Contains(t, cmd, "set LeftKWICDelim '---::: '; set RightKWICDelim ' :::---';")
	assert.Contains(t, cmd, "set ExternalSort yes;")
	assert.Contains(t, cmd, "cat Last 0 9;")
	assert.Equal(t, "exit;", cmd[len(cmd)-1])
}

func TestQueryProgramCountOnly(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")

	cmd, _, err := q.queryProgram("SUSANNE", req, 0, 9, true)
	require.NoError(t, err)
	assert.Contains(t, cmd, "size Last;")
	for _, line := range cmd {
		assert.False(t, strings.HasPrefix(line, "cat Last"))
		assert.False(t, strings.HasPrefix(line, "show +"))
	}
}

func TestQueryProgramSortAndStructs(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.Sort = "left"
	req.ShowStructs = []string{"text_id", "s_id"}

	cmd, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, "sort by word on match[-1] .. match[-3];")
	assert.Contains(t, cmd, "set PrintStructures 'text_id, s_id';")

	req.Sort = "random"
	req.RandomSeed = "123"
	cmd, _, err = q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, "sort randomize 123;")
}

func TestQueryProgramAsymmetricContext(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.Context = map[string]ContextSpec{
		"SUSANNE": {Left: "1 sentence", Right: "5 words"},
	}

	cmd, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, "set LeftContext 1 sentence;")
	assert.Contains(t, cmd, "set RightContext 5 words;")
	assert.NotContains(t, cmd, "set Context 1 sentence;")
}

func TestQueryProgramPrequeryExpansion(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.CQPSteps = []string{`[pos="NN"]`, `[word="x"]`}
	req.DefaultWithin = "s"

	cmd, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, `[pos="NN"] within s expand to s;`)
	assert.Contains(t, cmd, "Last;")
}

func TestQueryProgramAlignedCorpus(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE|EXTRA")
	req.CQPSteps = []string{`[word="x"] :LINKED_CORPUS: EXTRA|OTHER [word="y"]`}
	req.DefaultWithin = "s"

	cmd, show, err := q.queryProgram("SUSANNE|EXTRA", req, 0, 9, false)
	require.NoError(t, err)
	assert.Equal(t, "SUSANNE;", cmd[0])
	assert.Equal(t, []string{"word", "extra"}, show)
	assert.Contains(t, cmd, `[word="x"]  within s : EXTRA [word="y"];`)
	assert.Contains(t, cmd, "show +word +extra;")
}

func TestQueryProgramAlignedDropsForeignFragments(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE|EXTRA")
	req.CQPSteps = []string{`[word="x"] :LINKED_CORPUS: OTHER [word="y"]`}

	cmd, _, err := q.queryProgram("SUSANNE|EXTRA", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, `[word="x"];`)
}

func TestQueryProgramFreeSearchRequery(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.CQPSteps = []string{`[word="x"] [word="y"]`}
	req.DefaultWithin = "s"
	req.FreeSearch = true

	cmd, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, "cut 0 9;")
	assert.Contains(t, cmd, "cat Last;")
	assert.Contains(t, cmd, `([word="x"] | [word="y"]) within s;`)
}

func TestQueryProgramFreeSearchWithoutWithinFails(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.CQPSteps = []string{`[word="x"] [word="y"]`}
	req.FreeSearch = true

	_, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.Error(t, err)
	var engineErr *cwb.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "Couldn't convert into free order query.", engineErr.Message)
}

func TestQueryProgramFreeSearchRejectsWildcards(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")
	req.CQPSteps = []string{`[] [word="x"]`}
	req.DefaultWithin = "s"
	req.FreeSearch = true

	_, _, err := q.queryProgram("SUSANNE", req, 0, 9, false)
	require.Error(t, err)
	var engineErr *cwb.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "Wildcards not allowed in free order query.", engineErr.Message)
}

func TestCorpusFingerprintSensitivity(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")

	fp := q.CorpusFingerprint("SUSANNE", req)
	assert.Equal(t, fp, q.CorpusFingerprint("SUSANNE", req))

	other := basicRequest("SUSANNE")
	other.CQPSteps = []string{`[word="katze"]`}
	assert.NotEqual(t, fp, q.CorpusFingerprint("SUSANNE", other))

	other = basicRequest("SUSANNE")
	other.Cut = "100"
	assert.NotEqual(t, fp, q.CorpusFingerprint("SUSANNE", other))

	other = basicRequest("SUSANNE")
	other.FreeSearch = true
	assert.NotEqual(t, fp, q.CorpusFingerprint("SUSANNE", other))
}

func TestCachedHitsRoundtrip(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("SUSANNE")

	_, ok := q.CachedHits("SUSANNE", req)
	assert.False(t, ok)

	q.saveHits("SUSANNE", req, 1234)
	hits, ok := q.CachedHits("SUSANNE", req)
	assert.True(t, ok)
	assert.Equal(t, 1234, hits)

	req.UseCache = false
	_, ok = q.CachedHits("SUSANNE", req)
	assert.False(t, ok)
}

func TestSavedHitsMergesResumeAndCache(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("A", "B", "C")

	token, err := cache.EncodeResume(
		q.QueryFingerprint(req), []string{"A", "B"}, map[string]int{"A": 10, "B": 20})
	require.NoError(t, err)
	req.QueryData = token
	q.saveHits("C", req, 30)

	saved := q.SavedHits(req)
	assert.Equal(t, map[string]int{"A": 10, "B": 20, "C": 30}, saved)
}

func TestSavedHitsIgnoresForeignToken(t *testing.T) {
	q := newTestQuerier(t)
	req := basicRequest("A")

	token, err := cache.EncodeResume("someotherdigest", []string{"A"}, map[string]int{"A": 10})
	require.NoError(t, err)
	req.QueryData = token

	assert.Empty(t, q.SavedHits(req))
}
