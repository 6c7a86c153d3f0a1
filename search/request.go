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

// Package search runs concordance queries and grouped counts over one
// or more corpora, fanning out to the corpus engine and merging the
// per-corpus results into a single paged answer.
package search

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// QueryDelim separates list values within a single request parameter.
const QueryDelim = ","

var (
	reIdent  = regexp.MustCompile(`^[\w\-,|]+$`)
	reNumber = regexp.MustCompile(`^\d+$`)
)

// ValidationError reports a missing or malformed request parameter.
// Missing distinguishes the two cases for the error envelope.
type ValidationError struct {
	Key     string
	Missing bool
	Detail  string
}

func (err *ValidationError) Error() string {
	if err.Missing {
		return fmt.Sprintf("Key is required: <%s>", err.Key)
	}
	if err.Detail != "" {
		return err.Detail
	}
	return fmt.Sprintf("Invalid value for key <%s>", err.Key)
}

// AssertIdent validates a parameter against the identifier pattern
// (word characters, dashes, list and pair separators).
func AssertIdent(values url.Values, key string, required bool) error {
	return assertPattern(values, key, reIdent, required)
}

// AssertNumber validates a numeric parameter.
func AssertNumber(values url.Values, key string, required bool) error {
	return assertPattern(values, key, reNumber, required)
}

// AssertRequired checks presence without constraining the value.
func AssertRequired(values url.Values, key string) error {
	if values.Get(key) == "" {
		return &ValidationError{Key: key, Missing: true}
	}
	return nil
}

func assertPattern(values url.Values, key string, pattern *regexp.Regexp, required bool) error {
	v := values.Get(key)
	if v == "" {
		if required {
			return &ValidationError{Key: key, Missing: true}
		}
		return nil
	}
	if !pattern.MatchString(v) {
		return &ValidationError{
			Key: key,
			Detail: fmt.Sprintf(
				"Value for key <%s> does not match /%s/: %s", key, pattern.String(), v),
		}
	}
	return nil
}

// ParseBool reads a boolean parameter the lenient way: with a true
// default anything but "false" passes, with a false default only
// "true" enables.
func ParseBool(values url.Values, key string, dflt bool) bool {
	v := strings.ToLower(values.Get(key))
	if dflt {
		return v != "false"
	}
	return v == "true"
}

// ParseCorpora reads the corpus list, upper-cased and deduplicated.
// sortCorpora switches between sorted and request order.
func ParseCorpora(values url.Values, sortDefault bool) ([]string, error) {
	if err := AssertIdent(values, "corpus", true); err != nil {
		return nil, err
	}
	items := strings.Split(strings.ToUpper(values.Get("corpus")), QueryDelim)
	seen := make(map[string]bool, len(items))
	ans := make([]string, 0, len(items))
	for _, c := range items {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		ans = append(ans, c)
	}
	if ParseBool(values, "sort_corpora", sortDefault) {
		sort.Strings(ans)
	}
	return ans, nil
}

// NumberedParams collects prefix, prefix1, prefix2... values ordered by
// their numeric suffix; the bare prefix sorts as 0.
func NumberedParams(values url.Values, prefix string) ([]string, error) {
	type numbered struct {
		no    int
		value string
	}
	var items []numbered
	for key := range values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		suffix := key[len(prefix):]
		no := 0
		if suffix != "" {
			var err error
			no, err = strconv.Atoi(suffix)
			if err != nil {
				continue
			}
		}
		items = append(items, numbered{no: no, value: values.Get(key)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].no < items[j].no })
	ans := make([]string, len(items))
	for i, item := range items {
		ans[i] = item.value
	}
	return ans, nil
}

// parsePairs reads "CORP:value" list parameters into a per-corpus map.
func parsePairs(values url.Values, key string) (map[string]string, error) {
	raw := values.Get(key)
	if raw == "" {
		return map[string]string{}, nil
	}
	if !strings.Contains(raw, ":") {
		return nil, &ValidationError{
			Key:    key,
			Detail: fmt.Sprintf("Malformed value for key '%s'.", key),
		}
	}
	ans := make(map[string]string)
	for _, pair := range strings.Split(raw, QueryDelim) {
		corpus, value, _ := strings.Cut(pair, ":")
		ans[strings.ToUpper(corpus)] = value
	}
	return ans, nil
}

// ContextSpec is the KWIC context of one corpus; an empty Right means a
// single symmetric specification.
type ContextSpec struct {
	Left  string
	Right string
}

// Request carries one parsed concordance query.
type Request struct {
	Corpora          []string
	CQPSteps         []string
	Start            int
	End              int
	Within           map[string]string
	DefaultWithin    string
	Context          map[string]ContextSpec
	DefaultContext   string
	Show             []string
	ShowStructs      []string
	DisplayContext   string
	Cut              string
	Sort             string
	RandomSeed       string
	FreeSearch       bool
	ExpandPrequeries bool
	Incremental      bool
	QueryData        string
	UseCache         bool
}

// WithinFor resolves the containing structure of one corpus.
func (req *Request) WithinFor(corpus string) string {
	if w, ok := req.Within[corpus]; ok {
		return w
	}
	return req.DefaultWithin
}

// ContextFor resolves the KWIC context of one corpus.
func (req *Request) ContextFor(corpus string) ContextSpec {
	if c, ok := req.Context[corpus]; ok {
		return c
	}
	return ContextSpec{Left: req.DefaultContext}
}

// ParseQueryRequest validates and decodes a /query request.
// maxKwicRows caps the requested page size (0 = unlimited);
// sortCorpora is the configured default corpus ordering.
func ParseQueryRequest(values url.Values, maxKwicRows int, sortCorpora bool) (*Request, error) {
	if err := AssertRequired(values, "cqp"); err != nil {
		return nil, err
	}
	for _, key := range []string{"show", "show_struct"} {
		if err := AssertIdent(values, key, false); err != nil {
			return nil, err
		}
	}
	for _, key := range []string{"start", "end", "cut"} {
		if err := AssertNumber(values, key, false); err != nil {
			return nil, err
		}
	}

	corpora, err := ParseCorpora(values, sortCorpora)
	if err != nil {
		return nil, err
	}
	cqpSteps, err := NumberedParams(values, "cqp")
	if err != nil {
		return nil, err
	}

	req := &Request{
		Corpora:          corpora,
		CQPSteps:         cqpSteps,
		Start:            intOr(values.Get("start"), 0),
		End:              intOr(values.Get("end"), 9),
		DefaultWithin:    values.Get("default_within"),
		DefaultContext:   values.Get("default_context"),
		Show:             listParam(values, "show"),
		ShowStructs:      listParam(values, "show_struct"),
		DisplayContext:   values.Get("display_context"),
		Cut:              values.Get("cut"),
		Sort:             values.Get("sort"),
		RandomSeed:       values.Get("random_seed"),
		FreeSearch:       !ParseBool(values, "in_order", true),
		ExpandPrequeries: ParseBool(values, "expand_prequeries", true),
		Incremental:      ParseBool(values, "incremental", false),
		QueryData:        values.Get("query_data"),
		UseCache:         ParseBool(values, "cache", true),
	}
	if req.DefaultContext == "" {
		req.DefaultContext = "10 words"
	}
	if maxKwicRows > 0 && req.End-req.Start >= maxKwicRows {
		return nil, &ValidationError{
			Key: "end",
			Detail: fmt.Sprintf(
				"At most %d KWIC rows can be returned per call.", maxKwicRows),
		}
	}

	req.Within, err = parsePairs(values, "within")
	if err != nil {
		return nil, err
	}
	req.Context, err = parseContexts(values, req.DefaultContext)
	if err != nil {
		return nil, err
	}

	// the "word" attribute is always shown
	if !containsStr(req.Show, "word") {
		req.Show = append(req.Show, "word")
	}

	if len(req.CQPSteps) > 1 && req.ExpandPrequeries {
		for _, corpus := range req.Corpora {
			if req.WithinFor(corpus) == "" {
				return nil, &ValidationError{
					Key:    "within",
					Detail: "Multiple CQP queries requires 'within' or 'expand_prequeries=false'",
				}
			}
		}
	}
	return req, nil
}

// parseContexts merges "context" and the one-sided
// "left_context"/"right_context" overrides; one-sided values win.
func parseContexts(values url.Values, dflt string) (map[string]ContextSpec, error) {
	symmetric, err := parsePairs(values, "context")
	if err != nil {
		return nil, err
	}
	left, err := parsePairs(values, "left_context")
	if err != nil {
		return nil, err
	}
	right, err := parsePairs(values, "right_context")
	if err != nil {
		return nil, err
	}

	ans := make(map[string]ContextSpec)
	for corpus, v := range symmetric {
		ans[corpus] = ContextSpec{Left: v}
	}
	corpora := make(map[string]bool)
	for corpus := range left {
		corpora[corpus] = true
	}
	for corpus := range right {
		corpora[corpus] = true
	}
	for corpus := range corpora {
		l, ok := left[corpus]
		if !ok {
			l = dflt
		}
		r, ok := right[corpus]
		if !ok {
			r = dflt
		}
		ans[corpus] = ContextSpec{Left: l, Right: r}
	}
	return ans, nil
}

func listParam(values url.Values, key string) []string {
	v := values.Get(key)
	if v == "" {
		return nil
	}
	var ans []string
	for _, item := range strings.Split(v, QueryDelim) {
		if item != "" {
			ans = append(ans, item)
		}
	}
	return ans
}

func intOr(v string, dflt int) int {
	if v == "" {
		return dflt
	}
	ans, err := strconv.Atoi(v)
	if err != nil {
		return dflt
	}
	return ans
}

func containsStr(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
