package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxOutputTail = 2048

// CommandConfig is the user config for command-kind items.
type CommandConfig struct {
	Command             string `json:"command"`
	Shell               bool   `json:"shell"`
	TimeoutS            int    `json:"timeout_s"`
	SuccessMessage      string `json:"success_message"`
	FailureMessage      string `json:"failure_message"`
	SuggestionOnFail    string `json:"suggestion_on_fail"`
	SuggestionOnSuccess string `json:"suggestion_on_success"`
}

func (e *Engine) evalCommand(ctx context.Context, spec Spec, target Target) Outcome {
	if key := requireKeys(spec.Config, "command"); key != "" {
		return failed("inspection item misconfigured: "+key, "")
	}
	var cfg CommandConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return failed("inspection item misconfigured: command", "")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return failed("inspection item misconfigured: command", "")
	}

	timeout := defaultCommandTimeout
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}

	rendered := cfg.Command
	if strings.Contains(rendered, "{{kubeconfig}}") {
		path, cleanup, err := writeTempKubeconfig(target.Kubeconfig)
		if err != nil {
			return failed("kubeconfig unavailable: "+err.Error(), cfg.SuggestionOnFail)
		}
		defer cleanup()
		rendered = strings.ReplaceAll(rendered, "{{kubeconfig}}", path)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if cfg.Shell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", rendered)
	} else {
		argv, err := splitArgs(rendered)
		if err != nil || len(argv) == 0 {
			return failed("inspection item misconfigured: command", "")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	// Minimal env: commands get PATH and nothing else.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	combined := strings.TrimSpace(tail(out.Bytes(), maxOutputTail))

	if err == nil {
		detail := cfg.SuccessMessage
		if detail == "" {
			detail = combined
		}
		return Outcome{Status: StatusPassed, Detail: detail, Suggestion: cfg.SuggestionOnSuccess}
	}

	e.logger.Debug("command check failed",
		zap.String("item", spec.Name),
		zap.Error(err),
	)
	detail := combined
	if ctx.Err() == context.DeadlineExceeded {
		detail = fmt.Sprintf("command timed out after %s", timeout)
		if combined != "" {
			detail += ": " + combined
		}
	} else if detail == "" {
		if cfg.FailureMessage != "" {
			detail = cfg.FailureMessage
		} else {
			detail = err.Error()
		}
	}
	return failed(detail, cfg.SuggestionOnFail)
}

// splitArgs tokenises a command line into argv. Single quotes are literal,
// double quotes and backslashes follow shell conventions, so quoted arguments
// like jsonpath expressions survive with their spaces intact.
func splitArgs(s string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	inArg := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			cur.WriteString(s[i+1 : i+1+end])
			i += end + 1
			inArg = true
		case c == '"':
			i++
			closed := false
			for ; i < len(s); i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
					cur.WriteByte(s[i])
					continue
				}
				if s[i] == '"' {
					closed = true
					break
				}
				cur.WriteByte(s[i])
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote")
			}
			inArg = true
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
			inArg = true
		case c == ' ' || c == '\t' || c == '\n':
			if inArg {
				argv = append(argv, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteByte(c)
			inArg = true
		}
	}
	if inArg {
		argv = append(argv, cur.String())
	}
	return argv, nil
}

// writeTempKubeconfig materialises kubeconfig bytes in a private directory.
// The returned cleanup removes the whole directory and runs on every exit
// path, panics included, via the caller's defer.
func writeTempKubeconfig(data []byte) (string, func(), error) {
	dir, err := os.MkdirTemp("", "inspectd-kc-")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "kubeconfig")
	if err := os.WriteFile(path, data, 0600); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
