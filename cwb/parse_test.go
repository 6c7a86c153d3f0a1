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

package cwb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpts() ParseOpts {
	return ParseOpts{
		Corpus: "SUSANNE",
		Attrs: AttrList{
			Pos:    []string{"word", "pos"},
			Struct: []string{"s", "s_n", "text_id"},
		},
		Show: map[string]bool{"word": true, "pos": true, "s": true, "s_n": true},
	}
}

func TestParseKWICBasicRow(t *testing.T) {
	lines := NewLines([]string{
		"  123: the/DT ---::: cat/NN :::--- sat/VBD",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 1)
	assert.Equal(t, "SUSANNE", rows[0].Corpus)
	m := rows[0].Match.(*Match)
	assert.Equal(t, 123, m.Position)
	assert.Equal(t, 1, m.Start)
	assert.Equal(t, 2, m.End)
	require.Len(t, rows[0].Tokens, 3)
	assert.Equal(t, "cat", rows[0].Tokens[1]["word"])
	assert.Equal(t, "NN", rows[0].Tokens[1]["pos"])
}

func TestParseKWICUndefinedValue(t *testing.T) {
	lines := NewLines([]string{
		"  5: ---::: cat/__UNDEF__ :::---",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Tokens[0]["pos"])
}

func TestParseKWICStructTags(t *testing.T) {
	lines := NewLines([]string{
		"  7: <s><s_n 5>The/DT ---::: cat/NN :::--- sat/VBD</s>",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Tokens, 3)

	structs := rows[0].Tokens[0]["structs"].(map[string]any)
	open := structs["open"].([]map[string]map[string]string)
	require.Len(t, open, 1)
	assert.Equal(t, map[string]string{"n": "5"}, open[0]["s"])

	structs = rows[0].Tokens[2]["structs"].(map[string]any)
	assert.Equal(t, []string{"s"}, structs["close"].([]string))
}

func TestParseKWICStructValueSplitAcrossWords(t *testing.T) {
	// a structural value containing a space arrives in several words
	lines := NewLines([]string{
		"  7: <s_n 5 b>The/DT ---::: cat/NN :::---",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 1)
	structs := rows[0].Tokens[0]["structs"].(map[string]any)
	open := structs["open"].([]map[string]map[string]string)
	assert.Equal(t, map[string]string{"n": "5 b"}, open[0]["s"])
}

func TestParseKWICAlignedRow(t *testing.T) {
	lines := NewLines([]string{
		"  10: ---::: cat/NN :::---",
		"-->corp2: chat/NC",
		"  20: ---::: dog/NN :::---",
		"-->corp2: (no alignment found)",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 2)
	require.Contains(t, rows[0].Aligned, "corp2")
	assert.Equal(t, "chat", rows[0].Aligned["corp2"][0]["word"])
	assert.Nil(t, rows[1].Aligned)
}

func TestParseKWICPrintStructures(t *testing.T) {
	opts := testOpts()
	opts.ShowStructs = map[string]bool{"text_id": true}
	lines := NewLines([]string{
		"  12: <text_id 42>:  the/DT ---::: cat/NN :::---",
	})
	rows := ParseKWIC(lines, opts)
	require.Len(t, rows, 1)
	require.Contains(t, rows[0].Structs, "text_id")
	assert.Equal(t, "42", *rows[0].Structs["text_id"])
	assert.Equal(t, "the", rows[0].Tokens[0]["word"])
}

func TestParseKWICRowWithoutMatchSkipped(t *testing.T) {
	lines := NewLines([]string{
		"  12: the/DT cat/NN",
		"  13: ---::: dog/NN :::---",
	})
	rows := ParseKWIC(lines, testOpts())
	require.Len(t, rows, 1)
	assert.Equal(t, 13, rows[0].Match.(*Match).Position)
}

func TestParseKWICFreeMatchesFolded(t *testing.T) {
	opts := testOpts()
	opts.FreeMatches = true
	lines := NewLines([]string{
		"  100: ---::: cat/NN :::--- and dog/NN",
		"  102: cat/NN and ---::: dog/NN :::---",
	})
	rows := ParseKWIC(lines, opts)
	require.Len(t, rows, 1)
	matches := rows[0].Match.([]*Match)
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].Start)
	assert.Equal(t, 2, matches[1].Start)
}

func TestParseKWICDecodeSpecial(t *testing.T) {
	opts := testOpts()
	opts.DecodeSpecial = map[string]string{"\x01": ";"}
	lines := NewLines([]string{
		"  1: ---::: a\x01b/NN :::---",
	})
	rows := ParseKWIC(lines, opts)
	require.Len(t, rows, 1)
	assert.Equal(t, "a;b", rows[0].Tokens[0]["word"])
}

func TestTrimSecondaryContextWords(t *testing.T) {
	row := &Row{
		Match: &Match{Position: 10, Start: 2, End: 3},
		Tokens: []Token{
			{"word": "a"}, {"word": "b"}, {"word": "c"}, {"word": "d"}, {"word": "e"},
		},
	}
	TrimSecondaryContext(row, "1 words")
	require.Len(t, row.Tokens, 3)
	m := row.Match.(*Match)
	assert.Equal(t, 1, m.Start)
	assert.Equal(t, 2, m.End)
	assert.Equal(t, "b", row.Tokens[0]["word"].(string))
}

func TestTrimSecondaryContextStructUnit(t *testing.T) {
	open := map[string]any{"open": []map[string]map[string]string{{"s": {}}}}
	closing := map[string]any{"close": []string{"s"}}
	row := &Row{
		Match: &Match{Position: 10, Start: 3, End: 4},
		Tokens: []Token{
			{"word": "w0", "structs": open},
			{"word": "w1"},
			{"word": "w2", "structs": open},
			{"word": "kw"},
			{"word": "w4", "structs": closing},
			{"word": "w5"},
			{"word": "w6", "structs": closing},
		},
	}
	TrimSecondaryContext(row, "1 s")
	require.Len(t, row.Tokens, 3)
	m := row.Match.(*Match)
	assert.Equal(t, 1, m.Start)
	assert.Equal(t, 2, m.End)
	assert.Equal(t, "w2", row.Tokens[0]["word"].(string))
}

func TestRsplitN(t *testing.T) {
	assert.Equal(t, []string{"a/b", "c"}, rsplitN("a/b/c", "/", 1))
	assert.Equal(t, []string{"a", "b", "c"}, rsplitN("a/b/c", "/", 2))
	assert.Equal(t, []string{"abc"}, rsplitN("abc", "/", 2))
	assert.Equal(t, []string{"a/b/c"}, rsplitN("a/b/c", "/", 0))
}
