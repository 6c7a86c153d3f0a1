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

package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/czcorpus/korpgate/cnf"
	"github.com/czcorpus/korpgate/search"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCtx(t *testing.T, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	ctx.Request = req
	return ctx, w
}

func TestFormValuesMergesQueryAndBody(t *testing.T) {
	ctx, _ := newTestCtx(t, "/query?corpus=A", `cqp=%5B%5D`)
	values, err := formValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", values.Get("corpus"))
	assert.Equal(t, "[]", values.Get("cqp"))
}

func TestFormValuesMalformedQuery(t *testing.T) {
	ctx, _ := newTestCtx(t, "/query?cqp=%zz", "")
	_, err := formValues(ctx)
	require.Error(t, err)
	var vErr *search.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.False(t, vErr.Missing)
}

func TestFormValuesMalformedBody(t *testing.T) {
	ctx, _ := newTestCtx(t, "/count", "cqp=%zz")
	_, err := formValues(ctx)
	assert.Error(t, err)
}

func TestOptimizeReportsMalformedForm(t *testing.T) {
	a := &Actions{conf: &cnf.Conf{}}
	ctx, w := newTestCtx(t, "/optimize?cqp=%zz", "")
	a.Optimize(ctx)
	assert.Contains(t, w.Body.String(), `"type":"ValueError"`)
}

func TestCountReportsMalformedForm(t *testing.T) {
	a := &Actions{conf: &cnf.Conf{}}
	ctx, w := newTestCtx(t, "/count", "corpus=%zz")
	a.Count(ctx)
	assert.Contains(t, w.Body.String(), `"type":"ValueError"`)
}

func TestWithDefaultsFallsBackToConfiguredWithin(t *testing.T) {
	a := &Actions{conf: &cnf.Conf{DefaultWithin: "sentence"}}
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)

	req, err := search.ParseCountRequest(a.withDefaults(values), true)
	require.NoError(t, err)
	assert.Equal(t, "sentence", req.WithinFor("A"))
	// the original request stays untouched
	assert.Empty(t, values.Get("default_within"))
}

func TestWithDefaultsRequestValueWins(t *testing.T) {
	a := &Actions{conf: &cnf.Conf{DefaultWithin: "sentence"}}
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("default_within", "p")

	req, err := search.ParseQueryRequest(a.withDefaults(values), 0, true)
	require.NoError(t, err)
	assert.Equal(t, "p", req.WithinFor("A"))
}

func TestWithDefaultsEnablesPrequeries(t *testing.T) {
	a := &Actions{conf: &cnf.Conf{DefaultWithin: "sentence"}}
	values := url.Values{}
	values.Set("corpus", "A")
	values.Set("cqp", `[pos="NN"]`)
	values.Set("cqp1", `[word="x"]`)

	// without the configured fallback multiple steps are rejected
	_, err := search.ParseCountRequest(values, true)
	require.Error(t, err)
	req, err := search.ParseCountRequest(a.withDefaults(values), true)
	require.NoError(t, err)
	assert.Equal(t, "sentence", req.WithinFor("A"))
}
