package codegen

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"healrun/internal/cost"
)

// CLIProvider invokes a coding agent through its CLI (claude or codex),
// which edits the work dir in place.
type CLIProvider struct {
	name   string
	binary string
}

func NewCLIProvider(name string) *CLIProvider {
	return &CLIProvider{name: name, binary: name}
}

// WithBinary overrides the executable path; the stream format still follows
// the provider name.
func (p *CLIProvider) WithBinary(path string) *CLIProvider {
	p.binary = path
	return p
}

func (p *CLIProvider) Name() string { return p.name }

func (p *CLIProvider) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	args := p.buildArgs(Prompt(req))

	slog.Debug("codegen exec", "provider", p.name, "job", req.JobID, "attempt", req.Attempt, "args_count", len(args))

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = req.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 8 * 1024}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", p.name, err)
	}

	text, usage, parseErr := parseStream(stdout)
	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("%s exited with error: %w: %s", p.name, err, msg)
		}
		return Result{}, fmt.Errorf("%s exited with error: %w", p.name, err)
	}
	if parseErr != nil {
		return Result{}, fmt.Errorf("read %s output: %w", p.name, parseErr)
	}

	return Result{Changes: text, Usage: usage, Duration: time.Since(start)}, nil
}

func (p *CLIProvider) buildArgs(prompt string) []string {
	switch p.name {
	case "claude":
		return []string{
			"--print",
			"--output-format", "stream-json",
			"--verbose",
			"--max-turns", "50",
			"--dangerously-skip-permissions",
			prompt,
		}
	case "codex":
		return []string{"exec", "--full-auto", "--json", prompt}
	default:
		return []string{prompt}
	}
}

// parseStream reads claude or codex JSONL output and returns the last agent
// text and the summed usage. Lines that are not JSON are skipped.
func parseStream(r io.Reader) (string, cost.Usage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

	var (
		lastText string
		usage    cost.Usage
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch {
		// claude: assistant turns carry content blocks and per-turn usage.
		case msg.Type == "assistant" && msg.Message != nil:
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					lastText = block.Text
				}
			}
			usage = usage.Add(msg.Message.Usage.toUsage())
		case msg.Type == "result":
			if msg.Result != "" {
				lastText = msg.Result
			}
		// codex: item.completed carries agent text, turn.completed usage.
		case msg.Type == "item.completed" && msg.Item != nil:
			if msg.Item.Type == "agent_message" && msg.Item.Text != "" {
				lastText = msg.Item.Text
			}
		case msg.Type == "turn.completed" && msg.Usage != nil:
			usage = usage.Add(msg.Usage.toUsage())
		}
	}
	return lastText, usage, scanner.Err()
}

type streamMessage struct {
	Type string `json:"type"`

	Message *streamAssistant `json:"message,omitempty"`
	Result  string           `json:"result,omitempty"`

	Item  *streamItem  `json:"item,omitempty"`
	Usage *streamUsage `json:"usage,omitempty"`
}

type streamAssistant struct {
	Content []streamBlock `json:"content,omitempty"`
	Usage   streamUsage   `json:"usage"`
}

type streamBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamUsage struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	CachedInputTokens    int64 `json:"cached_input_tokens"`
}

func (u streamUsage) toUsage() cost.Usage {
	return cost.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CachedTokens: u.CacheReadInputTokens + u.CachedInputTokens,
	}
}

// limitedWriter keeps the first n bytes and drops the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	if _, err := l.w.Write(keep); err != nil {
		return 0, err
	}
	l.n -= len(keep)
	return len(p), nil
}
