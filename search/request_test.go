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
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryRequestDefaults(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "b,a")
	values.Set("cqp", `[word="hund"]`)

	req, err := ParseQueryRequest(values, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, req.Corpora)
	assert.Equal(t, []string{`[word="hund"]`}, req.CQPSteps)
	assert.Equal(t, 0, req.Start)
	assert.Equal(t, 9, req.End)
	assert.Equal(t, "10 words", req.DefaultContext)
	assert.Equal(t, []string{"word"}, req.Show)
	assert.False(t, req.FreeSearch)
	assert.True(t, req.ExpandPrequeries)
	assert.True(t, req.UseCache)
}

func TestParseQueryRequestMissingCQP(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")

	_, err := ParseQueryRequest(values, 0, true)
	require.Error(t, err)
	assert.Equal(t, "Key is required: <cqp>", err.Error())
}

func TestParseQueryRequestCorpusOrderKept(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "b,a,b")
	values.Set("cqp", "[]")
	values.Set("sort_corpora", "false")

	req, err := ParseQueryRequest(values, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, req.Corpora)
}

func TestParseQueryRequestPageCap(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")
	values.Set("start", "0")
	values.Set("end", "999")

	_, err := ParseQueryRequest(values, 100, true)
	require.Error(t, err)
	assert.Equal(t, "At most 100 KWIC rows can be returned per call.", err.Error())
}

func TestParseQueryRequestNumberedSteps(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("cqp2", `[word="x"]`)
	values.Set("cqp10", `[word="y"]`)
	values.Set("default_within", "sentence")

	req, err := ParseQueryRequest(values, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{`[pos="NN"]`, `[word="x"]`, `[word="y"]`}, req.CQPSteps)
}

func TestParseQueryRequestPrequeriesRequireWithin(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A,B")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("cqp1", `[word="x"]`)
	values.Set("within", "A:sentence")

	_, err := ParseQueryRequest(values, 0, true)
	require.Error(t, err)
	assert.Equal(
		t, "Multiple CQP queries requires 'within' or 'expand_prequeries=false'", err.Error())

	values.Set("expand_prequeries", "false")
	_, err = ParseQueryRequest(values, 0, true)
	assert.NoError(t, err)
}

func TestParseQueryRequestContexts(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A,B,C")
	values.Set("cqp", "[]")
	values.Set("context", "A:5 words")
	values.Set("left_context", "B:1 sentence")

	req, err := ParseQueryRequest(values, 0, true)
	require.NoError(t, err)
	assert.Equal(t, ContextSpec{Left: "5 words"}, req.ContextFor("A"))
	assert.Equal(t, ContextSpec{Left: "1 sentence", Right: "10 words"}, req.ContextFor("B"))
	assert.Equal(t, ContextSpec{Left: "10 words"}, req.ContextFor("C"))
}

func TestParseQueryRequestShowAlwaysHasWord(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")
	values.Set("show", "pos,lemma")
	values.Set("show_struct", "text_id")

	req, err := ParseQueryRequest(values, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"pos", "lemma", "word"}, req.Show)
	assert.Equal(t, []string{"text_id"}, req.ShowStructs)
}

func TestParseQueryRequestMalformedWithin(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")
	values.Set("within", "sentence")

	_, err := ParseQueryRequest(values, 0, true)
	require.Error(t, err)
	assert.Equal(t, "Malformed value for key 'within'.", err.Error())
}

func TestParseBoolLenientDefaults(t *testing.T) {
	values := url.Values{}
	values.Set("a", "FALSE")
	values.Set("b", "anything")

	assert.False(t, ParseBool(values, "a", true))
	assert.True(t, ParseBool(values, "b", true))
	assert.False(t, ParseBool(values, "b", false))
	assert.True(t, ParseBool(values, "missing", true))
	assert.False(t, ParseBool(values, "missing", false))
}

func TestAssertPatterns(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "SUSANNE,PAROLE-X")
	values.Set("start", "12")
	values.Set("bad", "a;b")

	assert.NoError(t, AssertIdent(values, "corpus", true))
	assert.NoError(t, AssertNumber(values, "start", false))
	assert.Error(t, AssertIdent(values, "bad", false))
	assert.NoError(t, AssertIdent(values, "missing", false))
	assert.Error(t, AssertIdent(values, "missing", true))
}
