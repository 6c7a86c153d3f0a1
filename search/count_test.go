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

	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/czcorpus/korpgate/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(t *testing.T) *Counter {
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return &Counter{
		CWB:   cwb.NewClient(&cwb.Conf{RegistryDir: t.TempDir()}),
		Cache: store,
	}
}

func TestParseCountRequestDefaults(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	assert.Equal(t, []stats.GroupBy{{Attr: "word"}}, req.GroupBy)
	assert.Equal(t, 0, req.Start)
	assert.Equal(t, -1, req.End)
	assert.False(t, req.Simple)
	assert.True(t, req.ExpandPrequeries)
}

func TestParseCountRequestGroupBySorted(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")
	values.Set("group_by", "word,lemma,word")
	values.Set("group_by_struct", "text_year")

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	assert.Equal(t, []stats.GroupBy{
		{Attr: "lemma"},
		{Attr: "word"},
		{Attr: "text_year", IsStruct: true},
	}, req.GroupBy)
}

func TestParseCountRequestTrivialQueryIsSimple(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	assert.True(t, req.Simple)
}

func TestParseCountRequestTop(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", "[]")
	values.Set("top", "lemma:3,word")

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"lemma": 3, "word": 1}, req.Top)

	values.Set("top", "lemma:x")
	_, err = ParseCountRequest(values, true)
	assert.Error(t, err)
}

func TestParseCountRequestRelativeTo(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("group_by_struct", "text_year,text_genre")
	values.Set("relative_to_struct", "text_year")

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"text_year"}, req.RelativeTo)
}

func TestParseCountRequestRelativeToRequiresGroupBy(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("group_by_struct", "text_genre")
	values.Set("relative_to_struct", "text_year")

	_, err := ParseCountRequest(values, true)
	require.Error(t, err)
	assert.Equal(
		t,
		"All 'relative_to_struct' values also need to be present in 'group_by_struct'.",
		err.Error())
}

func TestRelativeRequest(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "B,A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("group_by_struct", "text_year")
	values.Set("relative_to_struct", "text_year")
	values.Set("split", "text_year")

	req, err := ParseCountRequest(values, true)
	require.NoError(t, err)
	rel := req.RelativeRequest()
	assert.Equal(t, req.Corpora, rel.Corpora)
	assert.Equal(t, []string{"[]"}, rel.CQPSteps)
	assert.Equal(t, []stats.GroupBy{{Attr: "text_year", IsStruct: true}}, rel.GroupBy)
	assert.Equal(t, req.Split, rel.Split)
	assert.True(t, rel.Simple)
	assert.Empty(t, rel.RelativeTo)
}

func TestParseCountRequestPrequeriesRequireWithin(t *testing.T) {
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("cqp1", `[word="x"]`)

	_, err := ParseCountRequest(values, true)
	require.Error(t, err)
	assert.Equal(
		t, "Multiple CQP queries requires 'within' or 'expand_prequeries=false'", err.Error())
}

func baseCountRequest() *CountRequest {
	return &CountRequest{
		Corpora:          []string{"SUSANNE"},
		CQPSteps:         []string{`[pos="NN"]`},
		GroupBy:          []stats.GroupBy{{Attr: "word"}},
		End:              -1,
		ExpandPrequeries: true,
		UseCache:         true,
	}
}

func TestCountProgramBasic(t *testing.T) {
	cn := newTestCounter(t)
	cmd, err := cn.countProgram("SUSANNE", baseCountRequest())
	require.NoError(t, err)
	assert.Equal(t, "SUSANNE;", cmd[0])
	assert.Contains(t, cmd, "size Last;")
	assert.Contains(t, cmd, "info; .EOL.;")
	assert.Contains(t, cmd,
		`tabulate Last match .. matchend word > "| sort | uniq -c | sort -nr";`)
	assert.Equal(t, "exit;", cmd[len(cmd)-1])
}

func TestCountProgramStructAnchor(t *testing.T) {
	cn := newTestCounter(t)
	req := baseCountRequest()
	req.GroupBy = []stats.GroupBy{{Attr: "word"}, {Attr: "text_year", IsStruct: true}}
	req.IgnoreCase = []string{"word"}

	cmd, err := cn.countProgram("SUSANNE", req)
	require.NoError(t, err)
	assert.Contains(t, cmd,
		`tabulate Last match .. matchend word %c, match text_year > "| sort | uniq -c | sort -nr";`)
}

func TestCountProgramTargetAnchor(t *testing.T) {
	cn := newTestCounter(t)
	req := baseCountRequest()
	req.CQPSteps = []string{`[pos="JJ"] @[pos="NN"]`}

	cmd, err := cn.countProgram("SUSANNE", req)
	require.NoError(t, err)
	assert.Contains(t, cmd,
		`tabulate Last target word > "| sort | uniq -c | sort -nr";`)
}

func TestCountProgramSubQueries(t *testing.T) {
	cn := newTestCounter(t)
	req := baseCountRequest()
	req.SubCQP = []string{`[word="dog"]`, `[word="cat"]`}

	cmd, err := cn.countProgram("SUSANNE", req)
	require.NoError(t, err)
	assert.Contains(t, cmd, "mainresult=Last;")
	assert.Contains(t, cmd, "mainresult;")

	sections := 0
	for _, line := range cmd {
		if line == ".EOL.;" {
			sections++
		}
	}
	// one sentinel per sub-query separating the tabulation sections
	assert.Equal(t, 2, sections)
	assert.Contains(t, cmd,
		`tabulate Last match .. matchend word > "| sort | uniq -c | sort -nr";`)
}

func TestCountProgramPrequeryExpansion(t *testing.T) {
	cn := newTestCounter(t)
	req := baseCountRequest()
	req.CQPSteps = []string{`[pos="NN"]`, `[word="x"]`}
	req.DefaultWithin = "s"

	cmd, err := cn.countProgram("SUSANNE", req)
	require.NoError(t, err)
	assert.Contains(t, cmd, `[pos="NN"] within s expand to s;`)
	assert.Contains(t, cmd, "Last;")
}

func TestFoldScanLinesPlain(t *testing.T) {
	lines, hits := foldScanLines(cwb.NewLines([]string{
		"5\tHund",
		"3\thund",
	}), nil)
	assert.Equal(t, int64(8), hits)
	assert.Equal(t, []string{"5 Hund", "3 hund"}, lines)
}

func TestFoldScanLinesIgnoreCase(t *testing.T) {
	lines, hits := foldScanLines(cwb.NewLines([]string{
		"5\tHund\tNN",
		"3\thund\tNN",
		"2\thund\tVB",
	}), []int{0})
	assert.Equal(t, int64(10), hits)
	assert.Equal(t, []string{"8 hund\tNN", "2 hund\tVB"}, lines)
}

func TestCountFingerprintSensitivity(t *testing.T) {
	cn := newTestCounter(t)
	req := baseCountRequest()
	fp := cn.fingerprint("SUSANNE", req)
	assert.Equal(t, fp, cn.fingerprint("SUSANNE", req))

	other := baseCountRequest()
	other.GroupBy = []stats.GroupBy{{Attr: "lemma"}}
	assert.NotEqual(t, fp, cn.fingerprint("SUSANNE", other))

	other = baseCountRequest()
	other.SubCQP = []string{`[word="x"]`}
	assert.NotEqual(t, fp, cn.fingerprint("SUSANNE", other))
}
