// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var version = "dev"

// CLI record-gate 管理客户端
type CLI struct {
	URL   string `env:"RECORD_GATE_URL" default:"http://localhost:8080" help:"API base URL"`
	Token string `env:"RECORD_GATE_TOKEN" help:"Bearer token from 'login'"`

	Login        LoginCmd        `cmd:"" help:"Obtain a JWT for a principal"`
	Request      RequestCmd      `cmd:"" help:"Submit a natural-language request"`
	Audit        AuditCmd        `cmd:"" help:"Query audit records"`
	Verify       VerifyCmd       `cmd:"" help:"Verify the audit hash chain"`
	Session      SessionCmd      `cmd:"" help:"Inspect or manage sessions"`
	Policy       PolicyCmd       `cmd:"" help:"Show or reload the rule set"`
	Capabilities CapabilitiesCmd `cmd:"" help:"List registered capabilities"`
	Version      VersionCmd      `cmd:"" help:"Show version information"`
}

// LoginCmd POST /api/auth/login
type LoginCmd struct {
	Principal string `arg:"" help:"Clinician ID, e.g. DR_0001"`
	Password  string `env:"RECORD_GATE_PASSWORD" required:"" help:"Password"`
}

func (cmd *LoginCmd) Run(c *apiClient) error {
	return c.call(http.MethodPost, "/api/auth/login", nil, map[string]string{
		"principal_id": cmd.Principal,
		"password":     cmd.Password,
	})
}

// RequestCmd POST /api/requests
type RequestCmd struct {
	Text      string `arg:"" help:"Request text"`
	Principal string `short:"p" required:"" help:"Requesting clinician ID"`
	Session   string `short:"s" help:"Session ID for follow-ups"`
	RequestID string `name:"request-id" help:"Caller-supplied request ID"`
}

func (cmd *RequestCmd) Run(c *apiClient) error {
	return c.call(http.MethodPost, "/api/requests", nil, map[string]string{
		"text":         cmd.Text,
		"principal_id": cmd.Principal,
		"session_id":   cmd.Session,
		"request_id":   cmd.RequestID,
	})
}

// AuditCmd GET /api/audit
type AuditCmd struct {
	Subject   string `help:"Patient ID"`
	Principal string `help:"Clinician ID"`
	RunID     string `name:"run" help:"Run ID"`
	Outcome   string `help:"succeeded|failed|blocked"`
	Kind      string `help:"Comma separated record kinds"`
	From      string `help:"RFC3339 lower bound"`
	To        string `help:"RFC3339 upper bound"`
	Limit     int    `default:"100" help:"Max records"`
}

func (cmd *AuditCmd) Run(c *apiClient) error {
	q := map[string]string{"limit": strconv.Itoa(cmd.Limit)}
	for k, v := range map[string]string{
		"subject_id":   cmd.Subject,
		"principal_id": cmd.Principal,
		"run_id":       cmd.RunID,
		"outcome":      cmd.Outcome,
		"kind":         cmd.Kind,
		"from":         cmd.From,
		"to":           cmd.To,
	} {
		if v != "" {
			q[k] = v
		}
	}
	return c.call(http.MethodGet, "/api/audit", q, nil)
}

// VerifyCmd GET /api/audit/verify；链断裂时以非零码退出
type VerifyCmd struct{}

func (cmd *VerifyCmd) Run(c *apiClient) error {
	return c.call(http.MethodGet, "/api/audit/verify", nil, nil)
}

// SessionCmd 会话子命令
type SessionCmd struct {
	Show    SessionShowCmd    `cmd:"" help:"Show a session"`
	Forget  SessionForgetCmd  `cmd:"" help:"Delete a session"`
	Stats   SessionStatsCmd   `cmd:"" help:"Session counts"`
	Cleanup SessionCleanupCmd `cmd:"" help:"Remove expired sessions now"`
}

type SessionShowCmd struct {
	ID string `arg:"" help:"Session ID"`
}

func (cmd *SessionShowCmd) Run(c *apiClient) error {
	return c.call(http.MethodGet, "/api/sessions/"+cmd.ID, nil, nil)
}

type SessionForgetCmd struct {
	ID string `arg:"" help:"Session ID"`
}

func (cmd *SessionForgetCmd) Run(c *apiClient) error {
	return c.call(http.MethodDelete, "/api/sessions/"+cmd.ID, nil, nil)
}

type SessionStatsCmd struct{}

func (cmd *SessionStatsCmd) Run(c *apiClient) error {
	return c.call(http.MethodGet, "/api/sessions/stats", nil, nil)
}

type SessionCleanupCmd struct{}

func (cmd *SessionCleanupCmd) Run(c *apiClient) error {
	return c.call(http.MethodPost, "/api/sessions/cleanup", nil, nil)
}

// PolicyCmd 规则集子命令
type PolicyCmd struct {
	Show   PolicyShowCmd   `cmd:"" help:"Show the active rule set"`
	Reload PolicyReloadCmd `cmd:"" help:"Reload the rule file"`
}

type PolicyShowCmd struct{}

func (cmd *PolicyShowCmd) Run(c *apiClient) error {
	return c.call(http.MethodGet, "/api/policy", nil, nil)
}

type PolicyReloadCmd struct{}

func (cmd *PolicyReloadCmd) Run(c *apiClient) error {
	return c.call(http.MethodPost, "/api/policy/reload", nil, nil)
}

// CapabilitiesCmd GET /api/capabilities
type CapabilitiesCmd struct{}

func (cmd *CapabilitiesCmd) Run(c *apiClient) error {
	return c.call(http.MethodGet, "/api/capabilities", nil, nil)
}

// VersionCmd 不访问服务端
type VersionCmd struct{}

func (cmd *VersionCmd) Run(c *apiClient) error {
	fmt.Fprintf(c.out, "record-gate cli %s\n", version)
	return nil
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gatectl"),
		kong.Description("Admin client for the record-gate API."),
		kong.UsageOnError(),
	)
	err := ctx.Run(newClient(cli.URL, cli.Token, os.Stdout))
	ctx.FatalIfErrorf(err)
}
