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

package rels

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/tomachalek/vertigo/v5"
)

const bulkInsertChunkSize = 500

type stringKey struct {
	value string
	pos   string
	extra string
}

type relKey struct {
	head int64
	rel  string
	dep  int64
}

type headRelKey struct {
	head int64
	rel  string
}

type depRelKey struct {
	dep int64
	rel string
}

type sentenceHit struct {
	relID    int64
	sentence string
	start    int
	end      int
}

// relExtractor accumulates relation triples from a parsed vertical
// file, one sentence at a time.
type relExtractor struct {
	conf *VertConf

	strings   map[stringKey]int64
	relFreq   map[relKey]int64
	relIDs    map[relKey]int64
	headRel   map[headRelKey]int64
	depRel    map[depRelKey]int64
	relMargin map[string]int64
	sentences []sentenceHit

	currSentence   string
	sentenceTokens []*vertigo.Token
	deprelTypes    map[string]bool
}

func newRelExtractor(conf *VertConf) *relExtractor {
	ans := &relExtractor{
		conf:        conf,
		strings:     make(map[stringKey]int64),
		relFreq:     make(map[relKey]int64),
		relIDs:      make(map[relKey]int64),
		headRel:     make(map[headRelKey]int64),
		depRel:      make(map[depRelKey]int64),
		relMargin:   make(map[string]int64),
		deprelTypes: make(map[string]bool),
	}
	for _, t := range conf.DeprelTypes {
		ans.deprelTypes[t] = true
	}
	return ans
}

// attrVal reads a 1-based vertical column; the word form is column 1,
// vertigo keeps the remaining columns separately.
func attrVal(token *vertigo.Token, col int) string {
	if col == 1 {
		return token.Word
	}
	if col-2 < len(token.Attrs) {
		return token.Attrs[col-2]
	}
	return ""
}

func (ex *relExtractor) stringID(value, pos, extra string) int64 {
	key := stringKey{value: value, pos: pos, extra: extra}
	id, ok := ex.strings[key]
	if !ok {
		id = int64(len(ex.strings) + 1)
		ex.strings[key] = id
	}
	return id
}

func (ex *relExtractor) relID(key relKey) int64 {
	id, ok := ex.relIDs[key]
	if !ok {
		id = int64(len(ex.relIDs) + 1)
		ex.relIDs[key] = id
	}
	return id
}

func (ex *relExtractor) ProcToken(token *vertigo.Token, line int, err error) error {
	if err != nil {
		return err
	}
	ex.sentenceTokens = append(ex.sentenceTokens, token)
	return nil
}

func (ex *relExtractor) ProcStruct(strc *vertigo.Structure, line int, err error) error {
	if err != nil {
		return err
	}
	if strc.Name == ex.conf.SentenceStruct {
		ex.currSentence = strc.Attrs["id"]
		ex.sentenceTokens = ex.sentenceTokens[:0]
	}
	return nil
}

func (ex *relExtractor) ProcStructClose(strc *vertigo.StructureClose, line int, err error) error {
	if err != nil {
		return err
	}
	if strc.Name == ex.conf.SentenceStruct {
		ex.flushSentence()
	}
	return nil
}

// flushSentence resolves parent links of the current sentence and adds
// the resulting triples
func (ex *relExtractor) flushSentence() {
	tokens := ex.sentenceTokens
	for i, token := range tokens {
		deprel := attrVal(token, ex.conf.DeprelCol)
		if deprel == "" || (len(ex.deprelTypes) > 0 && !ex.deprelTypes[deprel]) {
			continue
		}
		headOffset, err := strconv.Atoi(attrVal(token, ex.conf.HeadCol))
		if err != nil || headOffset == 0 {
			continue
		}
		parentIdx := i + headOffset
		if parentIdx < 0 || parentIdx >= len(tokens) {
			continue
		}
		parent := tokens[parentIdx]

		headID := ex.stringID(attrVal(parent, ex.conf.LemmaCol), attrVal(parent, ex.conf.PosCol), "")
		depID := ex.stringID(attrVal(token, ex.conf.LemmaCol), attrVal(token, ex.conf.PosCol), "")
		key := relKey{head: headID, rel: deprel, dep: depID}
		ex.relFreq[key]++
		ex.relMargin[deprel]++
		ex.headRel[headRelKey{head: headID, rel: deprel}]++
		ex.depRel[depRelKey{dep: depID, rel: deprel}]++

		if ex.currSentence != "" {
			start, end := i, parentIdx
			if start > end {
				start, end = end, start
			}
			ex.sentences = append(ex.sentences, sentenceHit{
				relID:    ex.relID(key),
				sentence: ex.currSentence,
				start:    start + 1,
				end:      end + 1,
			})
		}
	}
	ex.sentenceTokens = ex.sentenceTokens[:0]
}

// Precalculate parses a dependency-annotated vertical file and fills
// the corpus's relation tables. Existing data of the corpus is
// replaced.
func Precalculate(ctx context.Context, corpus string, conf *VertConf, db *pgxpool.Pool) error {
	table, err := corpusTable(corpus)
	if err != nil {
		return err
	}
	pc := &vertigo.ParserConf{
		InputFilePath:         conf.Path,
		Encoding:              "utf-8",
		StructAttrAccumulator: "comb",
	}
	ex := newRelExtractor(conf)
	if err := vertigo.ParseVerticalFile(pc, ex); err != nil {
		return fmt.Errorf("failed to parse vertical file: %w", err)
	}
	ex.flushSentence()
	log.Info().
		Int("triples", len(ex.relFreq)).
		Int("strings", len(ex.strings)).
		Int("sentences", len(ex.sentences)).
		Msg("relation extraction done")

	for _, sfx := range append([]string{""}, auxTableSuffixes...) {
		if _, err := db.Exec(ctx, "DELETE FROM "+table+sfx); err != nil {
			return fmt.Errorf("failed to clear %s%s: %w", table, sfx, err)
		}
	}

	log.Info().Msg("writing data into database")
	t0 := time.Now()

	stringRows := make([][]any, 0, len(ex.strings))
	for key, id := range ex.strings {
		stringRows = append(stringRows, []any{id, key.value, key.extra, key.pos})
	}
	err = bulkInsert(ctx, db, table+"_strings",
		[]string{"id", "string", "stringextra", "pos"}, stringRows)
	if err != nil {
		return err
	}

	relRows := make([][]any, 0, len(ex.relFreq))
	for key, freq := range ex.relFreq {
		relRows = append(relRows, []any{
			ex.relID(key), key.head, key.rel, key.dep, freq, 1, 1, 1, 1})
	}
	err = bulkInsert(ctx, db, table,
		[]string{"id", "head", "rel", "dep", "freq", "bfhead", "bfdep", "wfhead", "wfdep"},
		relRows)
	if err != nil {
		return err
	}

	marginRows := make([][]any, 0, len(ex.relMargin))
	for rel, freq := range ex.relMargin {
		marginRows = append(marginRows, []any{rel, freq})
	}
	if err := bulkInsert(ctx, db, table+"_rel", []string{"rel", "freq"}, marginRows); err != nil {
		return err
	}

	headRelRows := make([][]any, 0, len(ex.headRel))
	for key, freq := range ex.headRel {
		headRelRows = append(headRelRows, []any{key.head, key.rel, freq})
	}
	err = bulkInsert(ctx, db, table+"_head_rel", []string{"head", "rel", "freq"}, headRelRows)
	if err != nil {
		return err
	}

	depRelRows := make([][]any, 0, len(ex.depRel))
	for key, freq := range ex.depRel {
		depRelRows = append(depRelRows, []any{key.dep, key.rel, freq})
	}
	err = bulkInsert(ctx, db, table+"_dep_rel", []string{"dep", "rel", "freq"}, depRelRows)
	if err != nil {
		return err
	}

	sentenceRows := make([][]any, 0, len(ex.sentences))
	for _, s := range ex.sentences {
		sentenceRows = append(sentenceRows, []any{s.relID, s.sentence, s.start, s.end})
	}
	err = bulkInsert(ctx, db, table+"_sentences",
		[]string{"id", "sentence", "start", "end"}, sentenceRows)
	if err != nil {
		return err
	}

	log.Info().Float64("durationSec", time.Since(t0).Seconds()).Msg("...writing done")
	return nil
}

func bulkInsert(
	ctx context.Context,
	db *pgxpool.Pool,
	table string,
	cols []string,
	rows [][]any,
) error {
	for i := 0; i < len(rows); i += bulkInsertChunkSize {
		hi := i + bulkInsertChunkSize
		if hi > len(rows) {
			hi = len(rows)
		}
		copyCount, err := db.CopyFrom(
			ctx,
			pgx.Identifier{table},
			cols,
			pgx.CopyFromRows(rows[i:hi]),
		)
		if err != nil {
			return fmt.Errorf("failed to write into %s: %w", table, err)
		}
		log.Debug().Int64("items", copyCount).Msg("written bulk into database")
	}
	return nil
}
