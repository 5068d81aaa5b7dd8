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

package worker

import (
	"context"
	"sync"
	"time"

	"record-gate/pkg/log"
)

// Sweeper 清理过期会话（session.Manager）
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Janitor 按固定间隔调用 Sweep；Stop 等待进行中的清理结束
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor 创建会话清理器；interval<=0 时默认 10 分钟
func NewJanitor(sweeper Sweeper, interval time.Duration, logger *log.Logger) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.Component("janitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动清理循环，启动时先清理一次
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		j.sweepOnce(ctx)
		for {
			select {
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweepOnce(ctx)
			}
		}
	}()
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	n, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.Warn("会话清理失败", "error", err)
		return
	}
	j.logger.Debug("会话清理完成", "removed", n)
}

// Stop 停止循环并等待退出
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}
