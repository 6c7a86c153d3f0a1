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

package cqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTokensSimple(t *testing.T) {
	tokens, rest := ParseTokens(`[word="cat"] [word="dog"]`)
	assert.Equal(t, []string{`[word="cat"]`, `[word="dog"]`}, tokens)
	assert.False(t, rest)
}

func TestParseTokensRepetition(t *testing.T) {
	tokens, rest := ParseTokens(`[word="a"] []{1,3} [pos="NN"]{2}`)
	assert.Equal(t, []string{`[word="a"]`, `[]{1,3}`, `[pos="NN"]{2}`}, tokens)
	assert.False(t, rest)
}

func TestParseTokensQuotedShorthand(t *testing.T) {
	tokens, rest := ParseTokens(`"cat" [word="dog"]`)
	assert.Equal(t, []string{`"cat"`, `[word="dog"]`}, tokens)
	assert.False(t, rest)
}

func TestParseTokensBracketInsideQuotes(t *testing.T) {
	tokens, rest := ParseTokens(`[word="\]x"] [word="y"]`)
	assert.Equal(t, []string{`[word="\]x"]`, `[word="y"]`}, tokens)
	assert.False(t, rest)
}

func TestParseTokensDoubledQuoteEscape(t *testing.T) {
	tokens, rest := ParseTokens(`"it""s" [word="x"]`)
	assert.Equal(t, []string{`"it""s"`, `[word="x"]`}, tokens)
	assert.False(t, rest)
}

func TestParseTokensUnattributedRest(t *testing.T) {
	_, rest := ParseTokens(`[word="a"] | [word="b"]`)
	assert.True(t, rest)
}

func TestParseTokensZeroWidthAssertion(t *testing.T) {
	_, rest := ParseTokens(`[:word="a":] [word="b"]`)
	assert.True(t, rest)
}
