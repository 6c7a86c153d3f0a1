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
	"regexp"
	"strings"
	"time"

	"github.com/czcorpus/korpgate/stats"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const relTablePrefix = "relations"

var reTableIdent = regexp.MustCompile(`^[a-z0-9_]+$`)

// relation table suffixes which are not corpora of their own
var auxTableSuffixes = []string{"_strings", "_rel", "_head_rel", "_dep_rel", "_sentences"}

// RelationRow is one triple occurrence joined with its marginal
// frequencies, as stored per corpus.
type RelationRow struct {
	Head        string
	HeadPos     string
	Rel         string
	Dep         string
	DepPos      string
	DepExtra    string
	Freq        int64
	RelFreq     int64
	HeadRelFreq int64
	DepRelFreq  int64
	Corpus      string
	ID          int64
}

// SentenceRow locates one example sentence: the sentence structure id
// plus the 1-based token positions of the relation members within it.
type SentenceRow struct {
	Sentence string
	Start    int
	End      int
	Corpus   string
}

// Database exposes the word picture store of all corpora. Safe for
// concurrent use; all queries go through the shared pool.
type Database struct {
	pool *pgxpool.Pool
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

func corpusTable(corpus string) (string, error) {
	t := relTablePrefix + "_" + strings.ToLower(corpus)
	if !reTableIdent.MatchString(t) {
		return "", fmt.Errorf("invalid corpus identifier: %s", corpus)
	}
	return t, nil
}

// AvailableCorpora lists the corpora with a relation table, upper-cased
// the way corpora are addressed everywhere else.
func (db *Database) AvailableCorpora(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(
		ctx,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = 'public' AND table_name LIKE @prefix",
		pgx.NamedArgs{"prefix": relTablePrefix + `\_%`},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list relation tables: %w", err)
	}
	defer rows.Close()
	var ans []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to list relation tables: %w", err)
		}
		if isAuxTable(name) {
			continue
		}
		ans = append(ans, strings.ToUpper(strings.TrimPrefix(name, relTablePrefix+"_")))
	}
	return ans, rows.Err()
}

func isAuxTable(name string) bool {
	for _, sfx := range auxTableSuffixes {
		if strings.HasSuffix(name, sfx) {
			return true
		}
	}
	return false
}

// RelationRows fetches the triples anchored in the given word, both as
// a head and as a dependent. searchType "lemgram" matches against the
// base form index, anything else against word forms.
func (db *Database) RelationRows(
	ctx context.Context,
	corpus, word, searchType string,
	minFreq int,
) ([]RelationRow, error) {
	table, err := corpusTable(corpus)
	if err != nil {
		return nil, err
	}
	minFreqSQL := ""
	args := pgx.NamedArgs{"word": word}
	if minFreq > 0 {
		minFreqSQL = " AND F.freq >= @minfreq"
		args["minfreq"] = minFreq
	}

	var headCond, depCond string
	if searchType == "lemgram" {
		headCond = "S1.string = @word AND F.head = S1.id AND F.bfhead = 1 AND F.bfdep = 1 AND S2.id = F.dep"
		depCond = "S2.string = @word AND F.dep = S2.id AND F.bfhead = 1 AND F.bfdep = 1 AND S1.id = F.head"

	} else {
		headCond = "S1.string = @word AND F.head = S1.id AND F.wfhead = 1 AND S2.id = F.dep"
		depCond = "S2.string = @word AND F.dep = S2.id AND F.wfdep = 1 AND S1.id = F.head"
	}

	mkSQL := func(cond string) string {
		return "SELECT S1.string, S1.pos, F.rel, S2.string, S2.pos, S2.stringextra, " +
			"F.freq, R.freq, HR.freq, DR.freq, F.id " +
			"FROM " + table + "_strings AS S1, " + table + "_strings AS S2, " +
			table + " AS F, " + table + "_rel AS R, " + table + "_head_rel AS HR, " +
			table + "_dep_rel AS DR " +
			"WHERE " + cond + minFreqSQL +
			" AND F.rel = R.rel AND F.head = HR.head AND F.rel = HR.rel" +
			" AND F.dep = DR.dep AND F.rel = DR.rel"
	}

	var ans []RelationRow
	t0 := time.Now()
	for _, cond := range []string{headCond, depCond} {
		rows, err := db.pool.Query(ctx, mkSQL(cond), args)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch relations for %s: %w", corpus, err)
		}
		for rows.Next() {
			r := RelationRow{Corpus: strings.ToUpper(corpus)}
			err := rows.Scan(
				&r.Head, &r.HeadPos, &r.Rel, &r.Dep, &r.DepPos, &r.DepExtra,
				&r.Freq, &r.RelFreq, &r.HeadRelFreq, &r.DepRelFreq, &r.ID)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to fetch relations for %s: %w", corpus, err)
			}
			ans = append(ans, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch relations for %s: %w", corpus, err)
		}
	}
	log.Debug().
		Str("corpus", corpus).
		Int("rows", len(ans)).
		Float64("procTime", time.Since(t0).Seconds()).
		Msg("fetched relation rows")
	return ans, nil
}

// SentenceCount returns how many example sentences the given relation
// ids have in one corpus.
func (db *Database) SentenceCount(ctx context.Context, corpus string, ids []int64) (int64, error) {
	table, err := corpusTable(corpus)
	if err != nil {
		return 0, err
	}
	row := db.pool.QueryRow(
		ctx,
		"SELECT COUNT(*) FROM "+table+"_sentences WHERE id = ANY(@ids)",
		pgx.NamedArgs{"ids": ids},
	)
	var ans int64
	if err := row.Scan(&ans); err != nil {
		return 0, fmt.Errorf("failed to count sentences for %s: %w", corpus, err)
	}
	return ans, nil
}

// Sentences fetches example sentence locators for the given relation
// ids, windowed by limit/offset.
func (db *Database) Sentences(
	ctx context.Context,
	corpus string,
	ids []int64,
	limit, offset int,
) ([]SentenceRow, error) {
	table, err := corpusTable(corpus)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(
		ctx,
		`SELECT sentence, "start", "end" FROM `+table+"_sentences "+
			"WHERE id = ANY(@ids) LIMIT @limit OFFSET @offset",
		pgx.NamedArgs{"ids": ids, "limit": limit, "offset": offset},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sentences for %s: %w", corpus, err)
	}
	defer rows.Close()
	var ans []SentenceRow
	for rows.Next() {
		r := SentenceRow{Corpus: strings.ToUpper(corpus)}
		if err := rows.Scan(&r.Sentence, &r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("failed to fetch sentences for %s: %w", corpus, err)
		}
		ans = append(ans, r)
	}
	return ans, rows.Err()
}

// LemgramCounts sums the selected frequency columns ("freq",
// "freq_prefix", "freq_suffix") of the lemgram index over the given
// corpora. The index matching may be accent/case insensitive, so the
// caller still has to filter results to the exact requested lemgrams.
func (db *Database) LemgramCounts(
	ctx context.Context,
	lemgrams, corpora, freqColumns []string,
) (map[string]int64, error) {
	sums := make([]string, len(freqColumns))
	for i, col := range freqColumns {
		if !reTableIdent.MatchString(col) {
			return nil, fmt.Errorf("invalid frequency column: %s", col)
		}
		sums[i] = "SUM(" + col + ")"
	}
	args := pgx.NamedArgs{"lemgrams": lemgrams}
	corporaSQL := ""
	if len(corpora) > 0 {
		corporaSQL = " AND corpus = ANY(@corpora)"
		args["corpora"] = corpora
	}
	rows, err := db.pool.Query(
		ctx,
		"SELECT lemgram, "+strings.Join(sums, " + ")+" AS freq FROM lemgram_index "+
			"WHERE lemgram = ANY(@lemgrams)"+corporaSQL+" GROUP BY lemgram",
		args,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lemgram counts: %w", err)
	}
	defer rows.Close()
	ans := make(map[string]int64)
	for rows.Next() {
		var lemgram string
		var freq int64
		if err := rows.Scan(&lemgram, &freq); err != nil {
			return nil, fmt.Errorf("failed to fetch lemgram counts: %w", err)
		}
		ans[lemgram] = freq
	}
	return ans, rows.Err()
}

// datefrom/dateto prefix lengths per granularity in the stored
// "YYYY-MM-DD hh:mm:ss" format
var dateTruncLen = map[string]int{"y": 4, "m": 7, "d": 10, "h": 13, "n": 16, "s": 19}

// TimeData fetches summed token counts per date span. Granularities
// finer than a day read the datetime table, coarser ones the date-only
// variant. from/to filtering follows the overlap strategy.
func (db *Database) TimeData(
	ctx context.Context,
	corpora []string,
	granularity string,
	from, to string,
	strategy int,
) ([]stats.TimeRow, error) {
	table := "timedata"
	if granularity == "y" || granularity == "m" || granularity == "d" {
		table = "timedata_date"
	}
	args := pgx.NamedArgs{"corpora": corpora}
	fromTo := ""
	switch strategy {
	case 1:
		if from != "" && to != "" {
			fromTo = " AND ((datefrom >= @from AND dateto <= @to)" +
				" OR (datefrom <= @from AND dateto >= @to))"
			args["from"] = from
			args["to"] = to
		}
	case 2:
		if to != "" {
			fromTo += " AND datefrom <= @to"
			args["to"] = to
		}
		if from != "" {
			fromTo += " AND dateto >= @from"
			args["from"] = from
		}
	case 3:
		if from != "" {
			fromTo += " AND datefrom >= @from"
			args["from"] = from
		}
		if to != "" {
			fromTo += " AND dateto <= @to"
			args["to"] = to
		}
	}

	dateCols := "datefrom::text AS df, dateto::text AS dt"
	if strategy != 1 {
		// truncation can happen in the database for the other
		// strategies, which keeps the result small
		n := dateTruncLen[granularity]
		dateCols = fmt.Sprintf(
			"substr(datefrom::text, 1, %d) AS df, substr(dateto::text, 1, %d) AS dt", n, n)
	}
	sql := "SELECT corpus, " + dateCols + ", SUM(tokens) AS sum FROM " + table +
		" WHERE corpus = ANY(@corpora)" + fromTo + " GROUP BY corpus, df, dt"
	log.Debug().Str("sql", sql).Msg("going to SELECT time distribution")
	rows, err := db.pool.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch time data: %w", err)
	}
	defer rows.Close()
	var ans []stats.TimeRow
	for rows.Next() {
		var r stats.TimeRow
		var df, dt *string
		if err := rows.Scan(&r.Corpus, &df, &dt, &r.Tokens); err != nil {
			return nil, fmt.Errorf("failed to fetch time data: %w", err)
		}
		if df != nil {
			r.DateFrom = *df
		}
		if dt != nil {
			r.DateTo = *dt
		}
		ans = append(ans, r)
	}
	return ans, rows.Err()
}

// ProtectedCorpora lists corpora requiring authentication.
func (db *Database) ProtectedCorpora(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, "SELECT corpus FROM protected_corpora")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protected corpora: %w", err)
	}
	defer rows.Close()
	var ans []string
	for rows.Next() {
		var corpus string
		if err := rows.Scan(&corpus); err != nil {
			return nil, fmt.Errorf("failed to fetch protected corpora: %w", err)
		}
		ans = append(ans, strings.ToUpper(corpus))
	}
	return ans, rows.Err()
}
