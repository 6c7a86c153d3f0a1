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

package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterminism(t *testing.T) {
	fp1 := Fingerprint([]string{"A", "B"}, "cqp", 0, true)
	fp2 := Fingerprint([]string{"A", "B"}, "cqp", 0, true)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint([]string{"A", "B"}, "cqp", 0, true)
	assert.NotEqual(t, base, Fingerprint([]string{"B", "A"}, "cqp", 0, true))
	assert.NotEqual(t, base, Fingerprint([]string{"A", "B"}, "cqp2", 0, true))
	assert.NotEqual(t, base, Fingerprint([]string{"A", "B"}, "cqp", 1, true))
	assert.NotEqual(t, base, Fingerprint([]string{"A", "B"}, "cqp", 0, false))
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	type entry struct {
		Hits int      `json:"hits"`
		Rows []string `json:"rows"`
	}
	require.NoError(t, store.Put(KindCount, "abcd", entry{Hits: 3, Rows: []string{"x"}}))

	var loaded entry
	found, err := store.Get(KindCount, "abcd", &loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, loaded.Hits)

	found, err = store.Get(KindQuery, "abcd", &loaded)
	require.NoError(t, err)
	assert.False(t, found, "kind prefixes must not collide")
}

func TestStoreMissAndCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	var v map[string]any
	found, err := store.Get(KindInfo, "nope", &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "info_bad"), []byte("{talk"), 0644))
	found, err = store.Get(KindInfo, "bad", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNilStoreIsNoop(t *testing.T) {
	var store *Store
	assert.False(t, store.Enabled())
	assert.NoError(t, store.Put(KindInfo, "x", 1))
	var v int
	found, err := store.Get(KindInfo, "x", &v)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestResumeRoundTrip(t *testing.T) {
	fp := Fingerprint("some", "query")
	tok, err := EncodeResume(fp, []string{"A", "B"}, map[string]int{"A": 50, "B": 30})
	require.NoError(t, err)
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")

	data, ok := DecodeResume(tok, fp)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"A": 50, "B": 30}, data.CorpusHits)
	assert.Equal(t, 80, data.TotalHits())
}

func TestResumeFingerprintMismatch(t *testing.T) {
	tok, err := EncodeResume(Fingerprint("one"), []string{"A"}, map[string]int{"A": 5})
	require.NoError(t, err)
	_, ok := DecodeResume(tok, Fingerprint("other"))
	assert.False(t, ok)
}

func TestResumeGarbageRejected(t *testing.T) {
	_, ok := DecodeResume("certainly-not-a-token", Fingerprint("x"))
	assert.False(t, ok)
}

func TestResumeEncodingStable(t *testing.T) {
	fp := Fingerprint("q")
	hits := map[string]int{"B": 2, "A": 1}
	t1, err := EncodeResume(fp, []string{"A", "B"}, hits)
	require.NoError(t, err)
	t2, err := EncodeResume(fp, []string{"A", "B"}, hits)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
}
