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
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ResumeData is the pagination state a client may resubmit to page
// through a result set without recomputing hit counts.
type ResumeData struct {
	Fingerprint string
	CorpusHits  map[string]int
}

// TotalHits sums the per-corpus counts.
func (rd *ResumeData) TotalHits() int {
	ans := 0
	for _, v := range rd.CorpusHits {
		ans += v
	}
	return ans
}

// EncodeResume serializes the pagination state into an opaque
// URL-safe token. corpusOrder fixes the serialization order so equal
// states produce equal tokens.
func EncodeResume(fingerprint string, corpusOrder []string, hits map[string]int) (string, error) {
	var payload strings.Builder
	payload.WriteString(fingerprint)
	for _, c := range corpusOrder {
		if h, ok := hits[c]; ok {
			fmt.Fprintf(&payload, ";%s:%d", c, h)
		}
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload.String())); err != nil {
		return "", fmt.Errorf("failed to encode resume token: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to encode resume token: %w", err)
	}
	tok := base64.StdEncoding.EncodeToString(buf.Bytes())
	tok = strings.ReplaceAll(tok, "+", "-")
	tok = strings.ReplaceAll(tok, "/", "_")
	return tok, nil
}

// DecodeResume validates and unpacks a resume token. Any defect -
// garbage data, a fingerprint not matching the expected one - yields
// ok == false; the caller then simply recomputes from scratch.
func DecodeResume(token, expectFingerprint string) (*ResumeData, bool) {
	// tokens passed through intermediate storage may come with literal
	// backslash-n sequences and stray whitespace
	tok := strings.NewReplacer("\\n", "", "\n", "", "\r", "", " ", "").Replace(token)
	tok = strings.ReplaceAll(tok, "-", "+")
	tok = strings.ReplaceAll(tok, "_", "/")
	raw, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		return nil, false
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, false
	}
	fp, rest, _ := strings.Cut(string(payload), ";")
	if fp != expectFingerprint {
		return nil, false
	}
	hits := make(map[string]int)
	if rest != "" {
		for _, pair := range strings.Split(rest, ";") {
			corpus, h, found := strings.Cut(pair, ":")
			if !found {
				return nil, false
			}
			n, err := strconv.Atoi(h)
			if err != nil || n < 0 {
				return nil, false
			}
			hits[corpus] = n
		}
	}
	return &ResumeData{Fingerprint: fp, CorpusHits: hits}, true
}
