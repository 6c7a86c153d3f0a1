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

package search

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/czcorpus/korpgate/auth"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/rs/zerolog/log"
)

// ErrorBody formats an error the way clients expect it, typed so they
// can tell a bad request from an engine or authentication failure.
func ErrorBody(err error) map[string]any {
	typeName := "Error"
	value := err.Error()
	var vErr *ValidationError
	var cqpErr *cwb.Error
	var accErr *auth.AccessError
	var svcErr *auth.ServiceError
	switch {
	case errors.As(err, &vErr):
		if vErr.Missing {
			typeName = "KeyError"

		} else {
			typeName = "ValueError"
		}
	case errors.As(err, &cqpErr):
		typeName = "CQPError"
		value = cqpErr.Message
	case errors.As(err, &accErr), errors.As(err, &svcErr):
		typeName = "KorpAuthenticationError"
	}
	return map[string]any{
		"ERROR": map[string]string{"type": typeName, "value": value},
	}
}

type fragment struct {
	key   string
	value any
}

// Streamer writes one response document, either as a single JSON
// object at the end or incrementally, fragment by fragment, inside one
// object literal. While the work runs, whitespace keepalives hold the
// connection open.
type Streamer struct {
	Incremental       bool
	KeepaliveInterval time.Duration
}

func (st *Streamer) interval() time.Duration {
	if st.KeepaliveInterval > 0 {
		return st.KeepaliveInterval
	}
	return 15 * time.Second
}

// Run executes work in the background and streams its fragments and
// final result to w. The emit passed to work may be called from any
// goroutine. Errors from work are converted to the error envelope
// inside the (already started) response body.
func (st *Streamer) Run(
	w http.ResponseWriter,
	work func(emit EmitFunc) (map[string]any, error),
) {
	t0 := time.Now()
	frags := make(chan fragment, 8)
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := work(func(key string, value any) {
			frags <- fragment{key: key, value: value}
		})
		close(frags)
		done <- outcome{result: result, err: err}
	}()

	ticker := time.NewTicker(st.interval())
	defer ticker.Stop()

	if st.Incremental {
		st.writeChunk(w, "{\n")
		for frags != nil {
			select {
			case f, ok := <-frags:
				if !ok {
					frags = nil
					break
				}
				st.writeFragment(w, map[string]any{f.key: f.value})
			case <-ticker.C:
				st.writeChunk(w, " \n")
			}
		}
		oc := <-done
		if oc.err != nil {
			st.writeFragment(w, ErrorBody(oc.err))

		} else if len(oc.result) > 0 {
			st.writeFragment(w, oc.result)
		}
		tail, err := json.Marshal(map[string]float64{
			"time": time.Since(t0).Seconds(),
		})
		if err == nil {
			// drop the opening brace so the tail closes the object
			st.writeChunk(w, string(tail[1:])+"\n")
		}
		return
	}

	pending := make(map[string]any)
	var oc outcome
waitLoop:
	for {
		select {
		case f, ok := <-frags:
			if !ok {
				frags = nil
				oc = <-done
				break waitLoop
			}
			pending[f.key] = f.value
		case <-ticker.C:
			st.writeChunk(w, " \n")
		}
	}

	var result map[string]any
	if oc.err != nil {
		result = ErrorBody(oc.err)

	} else {
		result = oc.result
		if result == nil {
			result = make(map[string]any)
		}
		for k, v := range pending {
			result[k] = v
		}
	}
	result["time"] = time.Since(t0).Seconds()
	body, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize response")
		body, _ = json.Marshal(ErrorBody(err))
	}
	st.writeChunk(w, string(body)+"\n")
}

// writeFragment appends one object's members to the open JSON document.
func (st *Streamer) writeFragment(w http.ResponseWriter, data map[string]any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize response fragment")
		return
	}
	if len(body) <= 2 {
		return
	}
	st.writeChunk(w, string(body[1:len(body)-1])+",\n")
}

func (st *Streamer) writeChunk(w http.ResponseWriter, chunk string) {
	if _, err := io.WriteString(w, chunk); err != nil {
		log.Error().Err(err).Msg("failed to write response chunk")
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
