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

// Package cwb talks to the Corpus Workbench command line tools. Every
// operation spawns a fresh short-lived process fed with a complete
// command program; there is no session state to manage.
package cwb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EndOfLine separates the output sections of a batched command program.
const EndOfLine = "-::-EOL-::-"

// LeftDelim and RightDelim mark the match region inside a concordance line.
const (
	LeftDelim  = "---:::"
	RightDelim = ":::---"
)

// Error is a diagnostic reported by one of the engine binaries,
// reduced to its first primary message.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "engine error: " + e.Message
}

// stderr output matching one of these still produces a valid (possibly
// empty) result and must not fail the whole request
var benignErrors = []string{
	"is not defined for corpus",
	"cl->range && cl->size > 0",
	"neither a positional/structural attribute",
	"cannot compose string: invalid UTF8 string",
}

var (
	wsCollapse  = regexp.MustCompile(`\s+`)
	errPrefix   = regexp.MustCompile(`^CQP Error: *`)
	errTrailing = regexp.MustCompile(` *(CQP Error:).*$`)
)

// Conf configures the paths under which the engine binaries and
// corpus registry are installed.
type Conf struct {
	CQPExecutable       string            `json:"cqpExecutable"`
	ScanExecutable      string            `json:"scanExecutable"`
	RegistryDir         string            `json:"registryDir"`
	Collate             string            `json:"collate"`
	EncodedSpecialChars map[string]string `json:"encodedSpecialChars"`
}

// ValidateAndDefaults checks the configuration and fills in defaults
// for the values a typical installation does not need to override.
func (conf *Conf) ValidateAndDefaults() error {
	if conf == nil {
		return fmt.Errorf("missing `engine` section")
	}
	if conf.RegistryDir == "" {
		return fmt.Errorf("missing `engine.registryDir`")
	}
	if conf.CQPExecutable == "" {
		log.Warn().
			Str("value", "cqp").
			Msg("`engine.cqpExecutable` not specified, using default")
		conf.CQPExecutable = "cqp"
	}
	if conf.ScanExecutable == "" {
		log.Warn().
			Str("value", "cwb-scan-corpus").
			Msg("`engine.scanExecutable` not specified, using default")
		conf.ScanExecutable = "cwb-scan-corpus"
	}
	if conf.Collate == "" {
		conf.Collate = "C"
	}
	return nil
}

// Client runs engine command programs.
type Client struct {
	conf *Conf
}

func NewClient(conf *Conf) *Client {
	return &Client{conf: conf}
}

// CorpusVersion returns a stamp changing whenever the corpus data is
// reindexed, derived from the registry file modification time. An
// unknown corpus yields an empty stamp.
func (c *Client) CorpusVersion(corpus string) string {
	fi, err := os.Stat(filepath.Join(c.conf.RegistryDir, strings.ToLower(corpus)))
	if err != nil {
		return ""
	}
	return strconv.FormatInt(fi.ModTime().Unix(), 10)
}

// RunCQP feeds a newline-joined command program to a fresh cqp process
// and returns its output lines. With attrIgnore, references to unknown
// attributes are tolerated the same way as the other benign diagnostics.
func (c *Client) RunCQP(ctx context.Context, commands []string, attrIgnore bool) (*Lines, error) {
	t0 := time.Now()
	program := "set PrettyPrint off;\n" + strings.Join(commands, "\n")
	cmd := exec.CommandContext(ctx, c.conf.CQPExecutable, "-c", "-r", c.conf.RegistryDir)
	cmd.Env = append(os.Environ(), "LC_COLLATE="+c.conf.Collate)
	cmd.Stdin = strings.NewReader(program)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stderr.Len() > 0 {
		if msg, benign := cleanError(stderr.String(), attrIgnore); !benign {
			return nil, &Error{Message: msg}
		}
	}
	if runErr != nil && stderr.Len() == 0 {
		return nil, fmt.Errorf("failed to run %s: %w", c.conf.CQPExecutable, runErr)
	}
	log.Debug().
		Int("numCommands", len(commands)).
		Float64("procTime", time.Since(t0).Seconds()).
		Msg("executed cqp program")
	return newLines(stdout.String(), 0), nil
}

// cleanError normalizes a stderr dump to its first primary message and
// decides whether it is benign.
func cleanError(raw string, attrIgnore bool) (string, bool) {
	msg := wsCollapse.ReplaceAllString(raw, " ")
	msg = errPrefix.ReplaceAllString(msg, "")
	msg = errTrailing.ReplaceAllString(msg, "")
	if attrIgnore && strings.Contains(msg, "No such attribute:") {
		return msg, true
	}
	for _, b := range benignErrors {
		if strings.Contains(msg, b) {
			return msg, true
		}
	}
	return msg, false
}

// Lines iterates over the non-empty output lines of one engine
// invocation. It is finite and cannot be restarted.
type Lines struct {
	items []string
	pos   int
}

func newLines(out string, maxLineLen int) *Lines {
	// the data may contain control characters, so only a plain "\n"
	// split is safe here
	raw := strings.Split(out, "\n")
	items := make([]string, 0, len(raw))
	for _, ln := range raw {
		if ln == "" {
			continue
		}
		if maxLineLen > 0 && len(ln) >= maxLineLen {
			continue
		}
		items = append(items, ln)
	}
	return &Lines{items: items}
}

// NewLines wraps an already materialized line list (e.g. cached data).
func NewLines(items []string) *Lines {
	return &Lines{items: items}
}

// Next returns the next line, or false once the output is exhausted.
func (lns *Lines) Next() (string, bool) {
	if lns.pos >= len(lns.items) {
		return "", false
	}
	ans := lns.items[lns.pos]
	lns.pos++
	return ans, true
}

// Rest consumes and returns all remaining lines.
func (lns *Lines) Rest() []string {
	ans := lns.items[lns.pos:]
	lns.pos = len(lns.items)
	return ans
}
