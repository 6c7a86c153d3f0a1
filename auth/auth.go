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

// Package auth guards protected corpora. Credentials are forwarded to
// an external authentication service which answers with the resources
// the user may read.
package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Conf struct {
	// ServiceURL - the external authentication endpoint; empty
	// disables authentication (all protected corpora are refused)
	ServiceURL string `json:"serviceUrl"`

	// Secret salts the credential checksum sent to the service
	Secret string `json:"secret"`

	TimeoutSecs int `json:"timeoutSecs"`
}

func (conf *Conf) ValidateAndDefaults() {
	if conf.TimeoutSecs == 0 {
		conf.TimeoutSecs = 10
		log.Warn().
			Int("value", conf.TimeoutSecs).
			Msg("auth.timeoutSecs not specified, using default")
	}
}

// Credentials as provided via HTTP basic auth.
type Credentials struct {
	Username string
	Password string
}

// AccessError reports corpora the current user may not read.
type AccessError struct {
	Unauthorized []string
}

func (err *AccessError) Error() string {
	return fmt.Sprintf(
		"You do not have access to the following corpora: %s",
		strings.Join(err.Unauthorized, ", "))
}

// ServiceError reports a failed conversation with the authentication
// service.
type ServiceError struct {
	Reason string
}

func (err *ServiceError) Error() string {
	return err.Reason
}

// ProtectedLister provides the corpora requiring authentication.
type ProtectedLister interface {
	ProtectedCorpora(ctx context.Context) ([]string, error)
}

// Gate decides corpus access. The zero value with no service URL
// refuses every protected corpus.
type Gate struct {
	conf      *Conf
	protected ProtectedLister
	client    *http.Client
}

func NewGate(conf *Conf, protected ProtectedLister) *Gate {
	return &Gate{
		conf:      conf,
		protected: protected,
		client: &http.Client{
			Timeout: time.Duration(conf.TimeoutSecs) * time.Second,
		},
	}
}

type permittedResource struct {
	Read bool `json:"read"`
}

type authResponse struct {
	Authenticated      bool `json:"authenticated"`
	PermittedResources struct {
		Corpora map[string]permittedResource `json:"corpora"`
	} `json:"permitted_resources"`
}

// Permitted asks the authentication service which corpora the given
// credentials may read. Nil credentials or a missing service yield an
// empty list.
func (g *Gate) Permitted(ctx context.Context, creds *Credentials) ([]string, error) {
	if creds == nil || g.conf.ServiceURL == "" {
		return []string{}, nil
	}
	checksum := md5.Sum([]byte(creds.Username + creds.Password + g.conf.Secret))
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	form.Set("checksum", hex.EncodeToString(checksum[:]))

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, g.conf.ServiceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ServiceError{Reason: "Could not contact authentication server."}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &ServiceError{Reason: "Could not contact authentication server."}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &ServiceError{Reason: "Could not contact authentication server."}
	}
	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &ServiceError{Reason: "Invalid response from authentication server."}
	}
	if !data.Authenticated {
		return []string{}, nil
	}
	ans := make([]string, 0, len(data.PermittedResources.Corpora))
	for corpus, res := range data.PermittedResources.Corpora {
		if res.Read {
			ans = append(ans, strings.ToUpper(corpus))
		}
	}
	sort.Strings(ans)
	return ans, nil
}

// Check verifies access to the given corpora, authenticating only when
// a protected one is requested. Aligned corpus pairs ("A|B") are
// checked member by member.
func (g *Gate) Check(ctx context.Context, corpora []string, creds *Credentials) error {
	protected, err := g.protected.ProtectedCorpora(ctx)
	if err != nil {
		return err
	}
	if len(protected) == 0 {
		return nil
	}
	protectedSet := make(map[string]bool, len(protected))
	for _, c := range protected {
		protectedSet[strings.ToUpper(c)] = true
	}
	var requested []string
	for _, c := range corpora {
		for _, cc := range strings.Split(c, "|") {
			if protectedSet[strings.ToUpper(cc)] {
				requested = append(requested, cc)
			}
		}
	}
	if len(requested) == 0 {
		return nil
	}
	permitted, err := g.Permitted(ctx, creds)
	if err != nil {
		return err
	}
	permittedSet := make(map[string]bool, len(permitted))
	for _, c := range permitted {
		permittedSet[c] = true
	}
	var unauthorized []string
	for _, c := range requested {
		if !permittedSet[strings.ToUpper(c)] {
			unauthorized = append(unauthorized, c)
		}
	}
	if len(unauthorized) > 0 {
		return &AccessError{Unauthorized: unauthorized}
	}
	return nil
}
