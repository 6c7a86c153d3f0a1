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
)

func TestReadAttributes(t *testing.T) {
	lines := NewLines([]string{
		"p-Att word",
		"p-Att pos",
		"s-Att text_id",
		"a-Att corp2",
		EndOfLine,
		"12345",
	})
	attrs := ReadAttributes(lines)
	assert.Equal(t, []string{"word", "pos"}, attrs.Pos)
	assert.Equal(t, []string{"text_id"}, attrs.Struct)
	assert.Equal(t, []string{"corp2"}, attrs.Align)
	next, ok := lines.Next()
	assert.True(t, ok)
	assert.Equal(t, "12345", next)
}

func TestCleanErrorKeepsFirstMessage(t *testing.T) {
	msg, benign := cleanError(
		"CQP Error: syntax error\nCQP Error: something consequential", false)
	assert.False(t, benign)
	assert.Equal(t, "syntax error", msg)
}

func TestCleanErrorBenign(t *testing.T) {
	_, benign := cleanError("attribute xyz is not defined for corpus FOO", false)
	assert.True(t, benign)
}

func TestCleanErrorAttrIgnore(t *testing.T) {
	_, benign := cleanError("No such attribute: lemma", true)
	assert.True(t, benign)
	_, hard := cleanError("No such attribute: lemma", false)
	assert.False(t, hard)
}

func TestLinesSkipsEmpty(t *testing.T) {
	lns := newLines("a\n\nb\n", 0)
	assert.Equal(t, []string{"a", "b"}, lns.Rest())
}
