package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRootCommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "warmup": false, "chat": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	root := buildRootCmd()
	cfg, err := loadConfig(root)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Server.Port != 3210 {
		t.Errorf("default port %d", cfg.Server.Port)
	}

	path := filepath.Join(dir, "custom.json")
	os.WriteFile(path, []byte(`{"server":{"port":9999}}`), 0o644)
	root.PersistentFlags().Set("config", path)
	cfg, err = loadConfig(root)
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port %d, want 9999", cfg.Server.Port)
	}

	root.PersistentFlags().Set("config", filepath.Join(dir, "missing.yaml"))
	if _, err := loadConfig(root); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "WARN"} {
		if _, err := newLogger(lvl); err != nil {
			t.Errorf("level %q: %v", lvl, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestChatSession(t *testing.T) {
	var mu sync.Mutex
	var updates []map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/s1/updates", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		updates = append(updates, body)
		mu.Unlock()
		w.Write([]byte(`{"status":"saved"}`))
	})
	mux.HandleFunc("/api/sessions/s1/context", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"history_messages":[{"role":"user","content":"hello there"}],"summary":"greetings","knowledge_snippets":[]}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var out, errOut bytes.Buffer
	c := &chatClient{
		server: ts.URL, session: "s1", user: "u1",
		http: ts.Client(), out: &out, errOut: &errOut,
	}
	in := strings.NewReader("hello there\n/reply hi!\n/context\n/shrug\nquit\n")
	if err := c.run(in); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	msg := updates[1]["new_message"].(map[string]interface{})
	if msg["role"] != "assistant" || msg["content"] != "hi!" {
		t.Errorf("reply update %v", msg)
	}
	if !strings.Contains(out.String(), "greetings") || !strings.Contains(out.String(), "hello there") {
		t.Errorf("context not printed:\n%s", out.String())
	}
	if errOut.Len() != 0 {
		t.Errorf("unexpected errors: %s", errOut.String())
	}
}

func TestChatReportsServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	var out, errOut bytes.Buffer
	c := &chatClient{server: ts.URL, session: "s1", user: "u1", http: ts.Client(), out: &out, errOut: &errOut}
	c.handle("/compact")
	if !strings.Contains(errOut.String(), "server error (500)") {
		t.Errorf("stderr %q", errOut.String())
	}
}
