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

package auditlog

import (
	"fmt"
	"strings"
	"time"
)

// buildWhere 将 Filter 转为 WHERE 子句；ph 生成第 n 个占位符，ts 转换时间参数
func buildWhere(f Filter, ph func(n int) string, ts func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if !f.From.IsZero() {
		add("created_at >= %s", ts(f.From))
	}
	if !f.To.IsZero() {
		add("created_at < %s", ts(f.To))
	}
	if f.SubjectID != "" {
		add("subject_id = %s", f.SubjectID)
	}
	if f.PrincipalID != "" {
		add("principal_id = %s", f.PrincipalID)
	}
	if f.RunID != "" {
		add("run_id = %s", f.RunID)
	}
	if f.RequestID != "" {
		add("request_id = %s", f.RequestID)
	}
	if f.SessionID != "" {
		add("session_id = %s", f.SessionID)
	}
	if f.Outcome != "" {
		add("outcome = %s", f.Outcome)
	}
	if len(f.Kinds) > 0 {
		in := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			args = append(args, string(k))
			in[i] = ph(len(args))
		}
		conds = append(conds, "kind IN ("+strings.Join(in, ", ")+")")
	}

	q := ""
	if len(conds) > 0 {
		q = " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return q, args
}
