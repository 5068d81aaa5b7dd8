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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiClient record-gate API 的薄封装，结果以 JSON 打印到 out
type apiClient struct {
	http *resty.Client
	out  io.Writer
}

func newClient(baseURL, token string, out io.Writer) *apiClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &apiClient{http: c, out: out}
}

// statusError 非 2xx 响应
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *apiClient) do(method, path string, query map[string]string, body any) (map[string]any, error) {
	var out map[string]any
	req := c.http.R().SetResult(&out).SetError(&out)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return out, &statusError{Method: method, Path: path, Status: resp.StatusCode(), Body: resp.String()}
	}
	return out, nil
}

func (c *apiClient) print(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(c.out, string(b))
}

// call 请求并打印结果；错误响应体同样打印
func (c *apiClient) call(method, path string, query map[string]string, body any) error {
	out, err := c.do(method, path, query, body)
	if out != nil {
		c.print(out)
	}
	return err
}
