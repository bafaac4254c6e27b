package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"execbox/internal/execctl/client"
	"execbox/internal/execd/controller"

	"github.com/google/shlex"
)

var extLanguages = map[string]string{
	".rs":  "rust",
	".cpp": "cpp",
	".cc":  "cpp",
	".cxx": "cpp",
	".c":   "cpp",
	".py":  "python",
	".js":  "javascript",
	".mjs": "javascript",
}

// Session holds REPL state.
type Session struct {
	client       *client.Client
	runtime      string
	prettyJSON   bool
	input        *bufio.Reader
	outputWriter *bufio.Writer
}

func New(c *client.Client, runtime string, prettyJSON bool, in io.Reader, out io.Writer) *Session {
	return &Session{
		client:       c,
		runtime:      runtime,
		prettyJSON:   prettyJSON,
		input:        bufio.NewReader(in),
		outputWriter: bufio.NewWriter(out),
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) {
	for {
		_, _ = s.outputWriter.WriteString("execbox> ")
		_ = s.outputWriter.Flush()
		line, err := s.input.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !s.Exec(ctx, line) {
			return
		}
	}
}

// Exec runs one command line. It returns false when the session should end.
func (s *Session) Exec(ctx context.Context, line string) bool {
	tokens, err := shlex.Split(line)
	if err != nil {
		s.printLine("error: parse command failed: %v", err)
		return true
	}
	return s.Dispatch(ctx, tokens)
}

// Dispatch runs an already split command. It returns false on exit.
func (s *Session) Dispatch(ctx context.Context, tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}
	switch tokens[0] {
	case "exit", "quit":
		s.printLine("bye")
		return false
	case "help":
		s.printHelp()
	case "set":
		s.handleSet(tokens[1:])
	case "show":
		s.handleShow(tokens[1:])
	case "languages":
		if err := s.handleLanguages(ctx); err != nil {
			s.printLine("error: %v", err)
		}
	case "run":
		if err := s.handleRun(ctx, tokens[1:]); err != nil {
			s.printLine("error: %v", err)
		}
	default:
		s.printLine("unknown command: %s (try help)", tokens[0])
	}
	return true
}

func (s *Session) handleSet(parts []string) {
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|runtime <value>")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8090")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", s.client.BaseURL())
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 30s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil || dur <= 0 {
			s.printLine("invalid duration: %s", parts[1])
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "runtime":
		if len(parts) < 2 {
			s.printLine("usage: set runtime wasm|jailed|native")
			return
		}
		s.runtime = parts[1]
		s.printLine("runtime set to %s", s.runtime)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(parts []string) {
	if len(parts) != 1 || parts[0] != "config" {
		s.printLine("usage: show config")
		return
	}
	s.printLine("base: %s", s.client.BaseURL())
	s.printLine("timeout: %s", s.client.Timeout())
	s.printLine("runtime: %s", s.runtime)
}

func (s *Session) handleLanguages(ctx context.Context) error {
	langs, info, err := s.client.Languages(ctx)
	if err != nil {
		return err
	}
	if s.prettyJSON {
		s.renderJSON(info)
		return nil
	}
	for _, l := range langs.Languages {
		s.printLine("%-12s %s", l.Language, strings.Join(l.Targets, ","))
	}
	s.printLine("runtimes: %s", strings.Join(langs.Runtimes, ","))
	return nil
}

func (s *Session) handleRun(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: run <file> key=value ...")
	}
	params := map[string]string{}
	for _, token := range args[1:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params[strings.ToLower(parts[0])] = parts[1]
	}
	req, err := s.buildRunRequest(args[0], params)
	if err != nil {
		return err
	}
	res, info, err := s.client.Run(ctx, req)
	if err != nil {
		return err
	}
	if s.prettyJSON {
		s.renderJSON(info)
		return nil
	}
	s.renderRun(res, info)
	return nil
}

func (s *Session) buildRunRequest(path string, params map[string]string) (controller.RunRequest, error) {
	var req controller.RunRequest
	source, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read source failed: %w", err)
	}
	req.Source = string(source)
	req.Language = params["lang"]
	if req.Language == "" {
		lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return req, fmt.Errorf("cannot infer language from %s, pass lang=", filepath.Base(path))
		}
		req.Language = lang
	}
	req.Runtime = s.runtime
	if v, ok := params["runtime"]; ok {
		req.Runtime = v
	}
	req.Target = params["target"]
	req.OptLevel = params["opt"]
	req.Stdin = params["stdin"]
	if file := params["stdin_file"]; file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("read stdin file failed: %w", err)
		}
		req.Stdin = string(data)
	}
	if v := params["args"]; v != "" {
		if req.Args, err = shlex.Split(v); err != nil {
			return req, fmt.Errorf("invalid args: %w", err)
		}
	}
	if v := params["flags"]; v != "" {
		if req.ExtraFlags, err = shlex.Split(v); err != nil {
			return req, fmt.Errorf("invalid flags: %w", err)
		}
	}
	if v := params["wall"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return req, fmt.Errorf("invalid wall: %w", err)
		}
		req.Limits.WallTimeMs = d.Milliseconds()
	}
	if v := params["instr"]; v != "" {
		if req.Limits.CPUInstructions, err = strconv.ParseUint(v, 10, 64); err != nil {
			return req, fmt.Errorf("invalid instr: %w", err)
		}
	}
	if v := params["mem"]; v != "" {
		if req.Limits.MemoryBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, fmt.Errorf("invalid mem: %w", err)
		}
	}
	if v := params["out"]; v != "" {
		if req.Limits.OutputBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, fmt.Errorf("invalid out: %w", err)
		}
	}
	return req, nil
}

func (s *Session) renderRun(res controller.RunResponse, info client.ResponseInfo) {
	status := res.Outcome
	if res.Reason != "" {
		status += "/" + res.Reason
	}
	exit := "-"
	if res.ExitCode != nil {
		exit = strconv.Itoa(*res.ExitCode)
	}
	s.printLine("%s exit=%s wall=%dms mem=%d instr=%d (HTTP %d, %s)",
		status, exit, res.Usage.WallTimeMs, res.Usage.PeakMemoryBytes, res.Usage.Instructions, info.StatusCode, info.Duration.Round(time.Millisecond))
	if res.Diagnostic != "" {
		s.printLine("diagnostic: %s", res.Diagnostic)
	}
	s.renderStream("stdout", res.Stdout, res.StdoutTruncated)
	s.renderStream("stderr", res.Stderr, res.StderrTruncated)
}

func (s *Session) renderStream(name string, data []byte, truncated bool) {
	if len(data) == 0 && !truncated {
		return
	}
	suffix := ""
	if truncated {
		suffix = " (truncated)"
	}
	s.printLine("--- %s%s", name, suffix)
	_, _ = s.outputWriter.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_ = s.outputWriter.WriteByte('\n')
	}
	_ = s.outputWriter.Flush()
}

func (s *Session) renderJSON(info client.ResponseInfo) {
	var raw interface{}
	if err := json.Unmarshal(info.Body, &raw); err == nil {
		formatted, _ := json.MarshalIndent(raw, "", "  ")
		s.printLine("%s", string(formatted))
		return
	}
	s.printLine("%s", string(info.Body))
}

func (s *Session) printHelp() {
	s.printLine("usage: run <file> key=value ... | languages")
	s.printLine("run keys: lang target runtime opt stdin stdin_file args flags wall instr mem out")
	s.printLine("system: help | exit | set base|timeout|runtime | show config")
	s.printLine("examples:")
	s.printLine("  run ./main.rs stdin=\"1 2\" wall=2s")
	s.printLine("  run ./main.cpp target=wasm opt=O2 args=\"-n 3\"")
	s.printLine("  run ./hello.py runtime=jailed mem=67108864")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
