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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Kind prefixes keep the fingerprint value spaces of different result
// kinds apart within one cache directory.
type Kind string

const (
	KindInfo        Kind = "info"
	KindQuery       Kind = "query"
	KindCount       Kind = "count"
	KindTimespan    Kind = "timespan"
	KindWordPicture Kind = "wordpicture"
	KindNames       Kind = "names"
)

// Store is a flat-directory result cache. A nil *Store is a valid,
// permanently empty cache. Concurrent writers for the same fingerprint
// are safe: each writes a unique temporary file and renames it into
// place, so a reader never observes a half-written entry and the last
// writer wins.
type Store struct {
	dir string
}

// NewStore prepares the cache directory. An empty dir disables caching.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to prepare cache directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Enabled tells whether entries can actually be stored.
func (store *Store) Enabled() bool {
	return store != nil
}

func (store *Store) entryPath(kind Kind, fingerprint string) string {
	return filepath.Join(store.dir, fmt.Sprintf("%s_%s", kind, fingerprint))
}

// Get loads a cached entry into v. The first return value tells
// whether the entry existed; a corrupted entry counts as a miss.
func (store *Store) Get(kind Kind, fingerprint string, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	data, err := os.ReadFile(store.entryPath(kind, fingerprint))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().
			Str("kind", string(kind)).
			Str("fingerprint", fingerprint).
			Err(err).
			Msg("ignoring corrupted cache entry")
		return false, nil
	}
	return true, nil
}

// Put stores v under the fingerprint.
func (store *Store) Put(kind Kind, fingerprint string, v any) error {
	if store == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}
	target := store.entryPath(kind, fingerprint)
	tmp := target + "_" + randomSuffix()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to finalize cache entry: %w", err)
	}
	return nil
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // rand.Read on a supported platform cannot fail
	}
	return hex.EncodeToString(b[:])
}
