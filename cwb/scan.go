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

package cwb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// lines at least this long are index artifacts, not attribute values
const maxScanLineLen = 65536

// RunScan tabulates whole-corpus attribute frequencies via
// cwb-scan-corpus. Output lines have the shape "freq TAB value...",
// one value column per requested attribute.
func (c *Client) RunScan(ctx context.Context, corpus string, attrs []string) (*Lines, error) {
	t0 := time.Now()
	args := append([]string{"-q", "-r", c.conf.RegistryDir, corpus}, attrs...)
	cmd := exec.CommandContext(ctx, c.conf.ScanExecutable, args...)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stderr.Len() > 0 {
		if msg, benign := cleanError(stderr.String(), false); !benign {
			return nil, &Error{Message: msg}
		}
	}
	if runErr != nil && stderr.Len() == 0 {
		return nil, fmt.Errorf("failed to run %s: %w", c.conf.ScanExecutable, runErr)
	}
	log.Debug().
		Str("corpus", corpus).
		Strs("attrs", attrs).
		Float64("procTime", time.Since(t0).Seconds()).
		Msg("executed corpus scan")
	return newLines(stdout.String(), maxScanLineLen), nil
}
