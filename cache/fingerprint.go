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

// Package cache provides the content-addressed result cache: request
// fingerprints, a flat-file store with atomic writes and the reversible
// pagination-resume token.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the canonical digest of a request from its
// ordered, already normalized inputs. Callers must pass every value
// that can influence the result and pass collections pre-sorted where
// their order is not semantic.
func Fingerprint(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		switch tv := v.(type) {
		case string:
			parts[i] = tv
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}
