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
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/nats-io/nats.go"

	"record-gate/pkg/log"
)

// Publisher 消息发布接口，*nats.Conn 满足
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror 在持久化追加成功后把记录发布到 NATS，主题为 <subject>.<kind>；发布失败只记日志
type Mirror struct {
	inner   Log
	pub     Publisher
	subject string
	logger  *log.Logger
}

// NewMirror 包装已有日志
func NewMirror(inner Log, pub Publisher, subject string, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.Nop()
	}
	return &Mirror{inner: inner, pub: pub, subject: subject, logger: logger.Component("audit_mirror")}
}

// ConnectNATS 连接 NATS，断线自动重连
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("record-gate-audit"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("auditlog: connect nats: %w", err)
	}
	return nc, nil
}

func (m *Mirror) Append(ctx context.Context, rec Record) (Record, error) {
	out, err := m.inner.Append(ctx, rec)
	if err != nil {
		return out, err
	}
	data, err := json.Marshal(out)
	if err == nil {
		err = m.pub.Publish(m.subject+"."+string(out.Kind), data)
	}
	if err != nil {
		m.logger.Warn("audit mirror publish failed", "record_id", out.ID, "seq", out.Seq, "error", err)
	}
	return out, nil
}

func (m *Mirror) Query(ctx context.Context, filter Filter) iter.Seq2[Record, error] {
	return m.inner.Query(ctx, filter)
}
