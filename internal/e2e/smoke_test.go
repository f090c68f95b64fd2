//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("NUKAMEM_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

var client = &http.Client{Timeout: 90 * time.Second}

// call sends a JSON request and decodes the JSON response into out.
func call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func TestSessionRoundTrip(t *testing.T) {
	session := "smoke-" + uuid.NewString()[:8]
	for i, text := range []string{"my name is Ada", "nice to meet you Ada", "what is my name?"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		status := call(t, http.MethodPost, "/api/sessions/"+session+"/updates", map[string]interface{}{
			"user_id":     "smoke-user",
			"new_message": map[string]string{"role": role, "content": text},
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("update %d: status %d", i, status)
		}
	}

	var mc struct {
		History []struct {
			Content string `json:"content"`
		} `json:"history_messages"`
	}
	if status := call(t, http.MethodPost, "/api/sessions/"+session+"/context",
		map[string]string{"user_id": "smoke-user"}, &mc); status != http.StatusOK {
		t.Fatalf("context: status %d", status)
	}
	if len(mc.History) == 0 || mc.History[len(mc.History)-1].Content != "what is my name?" {
		t.Errorf("unexpected history %+v", mc.History)
	}

	call(t, http.MethodDelete, "/api/sessions/"+session+"?user_id=smoke-user", nil, nil)
}

func TestIndexAndRetrieve(t *testing.T) {
	collection := "smoke-" + uuid.NewString()[:8]
	status := call(t, http.MethodPost, "/api/collections/"+collection+"/documents", map[string]string{
		"id":      "faq",
		"content": "Refunds are issued within 30 days. Shipping takes five business days.",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("index: status %d", status)
	}

	var res struct {
		Chunks []struct {
			Content string `json:"content"`
		} `json:"chunks"`
		Partial bool `json:"partial"`
	}
	status = call(t, http.MethodPost, "/api/collections/"+collection+"/retrieve",
		map[string]interface{}{"text": "refund window", "top_k": 3}, &res)
	if status != http.StatusOK {
		t.Fatalf("retrieve: status %d", status)
	}
	if len(res.Chunks) == 0 || !strings.Contains(res.Chunks[0].Content, "Refunds") {
		t.Errorf("unexpected chunks %+v", res.Chunks)
	}
	t.Logf("partial=%v chunks=%d", res.Partial, len(res.Chunks))

	call(t, http.MethodDelete, "/api/collections/"+collection+"/documents/faq", nil, nil)
}
