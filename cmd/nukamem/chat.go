package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// chatClient drives a running server's session endpoints. It records the
// turns typed at the prompt and prints the assembled memory context.
type chatClient struct {
	server     string
	session    string
	user       string
	collection string
	http       *http.Client
	out        io.Writer
	errOut     io.Writer
}

func buildChatCmd() *cobra.Command {
	c := &chatClient{http: &http.Client{Timeout: 65 * time.Second}}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.session == "" {
				c.session = "cli-" + uuid.NewString()[:8]
			}
			c.out = cmd.OutOrStdout()
			c.errOut = cmd.ErrOrStderr()
			return c.run(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&c.server, "server", "http://localhost:3210", "nukamem server URL")
	cmd.Flags().StringVar(&c.session, "session", "", "Session id (default: random)")
	cmd.Flags().StringVar(&c.user, "user", "cli-user", "User id")
	cmd.Flags().StringVar(&c.collection, "collection", "", "Collection to retrieve from when building prompts")
	return cmd
}

func (c *chatClient) run(in io.Reader) error {
	fmt.Fprintln(c.out, "nukamem chat")
	fmt.Fprintf(c.out, "Server: %s | Session: %s | User: %s\n", c.server, c.session, c.user)
	fmt.Fprintln(c.out, "Type 'exit' or 'quit' to leave.")
	fmt.Fprintln(c.out, "Commands: /context, /prompt <text>, /reply <text>, /compact, /clear, /health")
	fmt.Fprintln(c.out, "---")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(c.out, "Bye!")
			return nil
		}
		c.handle(input)
	}
}

func (c *chatClient) handle(input string) {
	cmd, arg, _ := strings.Cut(input, " ")
	switch cmd {
	case "/health":
		c.show(c.call(http.MethodGet, "/api/health", nil))
	case "/context":
		c.showContext()
	case "/compact":
		c.show(c.call(http.MethodPost, "/api/sessions/"+c.session+"/compact", nil))
	case "/clear":
		c.show(c.call(http.MethodDelete, "/api/sessions/"+c.session+"?user_id="+c.user, nil))
	case "/prompt":
		c.showPrompt(arg)
	case "/reply":
		c.record("assistant", arg)
	default:
		c.record("user", input)
	}
}

func (c *chatClient) record(role, content string) {
	if content == "" {
		c.printError("nothing to record")
		return
	}
	_, err := c.call(http.MethodPost, "/api/sessions/"+c.session+"/updates", map[string]interface{}{
		"user_id":     c.user,
		"new_message": map[string]string{"role": role, "content": content},
	})
	if err != nil {
		c.printError("%v", err)
		return
	}
	fmt.Fprintf(c.out, "\033[90m(recorded %s turn)\033[0m\n", role)
}

func (c *chatClient) showContext() {
	data, err := c.call(http.MethodPost, "/api/sessions/"+c.session+"/context", map[string]string{"user_id": c.user})
	if err != nil {
		c.printError("%v", err)
		return
	}
	var mc struct {
		History []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"history_messages"`
		Summary  string   `json:"summary"`
		Snippets []string `json:"knowledge_snippets"`
	}
	if err := json.Unmarshal(data, &mc); err != nil {
		c.printError("Failed to parse context: %v", err)
		return
	}
	if mc.Summary != "" {
		fmt.Fprintf(c.out, "\033[33mSummary:\033[0m %s\n", mc.Summary)
	}
	for _, s := range mc.Snippets {
		fmt.Fprintf(c.out, "\033[35m* %s\033[0m\n", s)
	}
	for _, m := range mc.History {
		fmt.Fprintf(c.out, "\033[36m[%s]\033[0m %s\n", m.Role, m.Content)
	}
}

func (c *chatClient) showPrompt(message string) {
	data, err := c.call(http.MethodPost, "/api/sessions/"+c.session+"/prompt", map[string]string{
		"user_id":    c.user,
		"message":    message,
		"collection": c.collection,
	})
	if err != nil {
		c.printError("%v", err)
		return
	}
	var out struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Partial bool `json:"partial"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		c.printError("Failed to parse prompt: %v", err)
		return
	}
	for _, m := range out.Messages {
		fmt.Fprintf(c.out, "\033[36m[%s]\033[0m %s\n", m.Role, m.Content)
	}
	if out.Partial {
		fmt.Fprintln(c.out, "\033[33m(retrieval was partial)\033[0m")
	}
}

func (c *chatClient) show(data []byte, err error) {
	if err != nil {
		c.printError("%v", err)
		return
	}
	fmt.Fprintln(c.out, strings.TrimSpace(string(data)))
}

func (c *chatClient) call(method, path string, body interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.server+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *chatClient) printError(format string, args ...interface{}) {
	fmt.Fprintf(c.errOut, "\033[31m"+format+"\033[0m\n", args...)
}
