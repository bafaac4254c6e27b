package repl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"execbox/internal/execctl/client"
	"execbox/internal/execctl/repl"
	"execbox/internal/execd/controller"
)

type fakeServer struct {
	*httptest.Server
	mu   sync.Mutex
	last controller.RunRequest
}

func (fs *fakeServer) lastRequest() controller.RunRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.last
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/exec/run":
			body, _ := io.ReadAll(r.Body)
			var req controller.RunRequest
			_ = json.Unmarshal(body, &req)
			fs.mu.Lock()
			fs.last = req
			fs.mu.Unlock()
			_, _ = io.WriteString(w, `{"code":10000,"data":{"outcome":"Completed","exit_code":3,"stdout":"NDIK","stderr":"b29wcw==","stderr_truncated":true,"usage":{"wall_time_ms":7}}}`)
		case "/api/v1/exec/languages":
			_, _ = io.WriteString(w, `{"code":10000,"data":{"languages":[{"language":"rust","targets":["native","wasm"]}],"runtimes":["wasm","jailed"]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func writeSource(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func runSession(t *testing.T, baseURL, input string) string {
	t.Helper()
	var out bytes.Buffer
	s := repl.New(client.New(baseURL, time.Second), "wasm", false, strings.NewReader(input), &out)
	s.Run(context.Background())
	return out.String()
}

func TestRunCommand(t *testing.T) {
	srv := newFakeServer(t)
	src := writeSource(t, "main.rs", "fn main() {}")

	out := runSession(t, srv.URL, "run "+src+` stdin="1 2" args="-n 3" wall=1500ms mem=1024`+"\n")
	got := srv.lastRequest()
	if got.Language != "rust" || got.Source != "fn main() {}" || got.Runtime != "wasm" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Stdin != "1 2" || len(got.Args) != 2 || got.Args[1] != "3" {
		t.Fatalf("stdin or args not parsed: %+v", got)
	}
	if got.Limits.WallTimeMs != 1500 || got.Limits.MemoryBytes != 1024 {
		t.Fatalf("limits not parsed: %+v", got.Limits)
	}
	for _, want := range []string{"Completed exit=3 wall=7ms", "--- stdout\n42\n", "--- stderr (truncated)\noops\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandOverrides(t *testing.T) {
	srv := newFakeServer(t)
	src := writeSource(t, "prog.txt", "print(1)")

	out := runSession(t, srv.URL, "run "+src+"\nset runtime jailed\nrun "+src+" lang=python target=native\n")
	if !strings.Contains(out, "cannot infer language") {
		t.Fatalf("expected inference error:\n%s", out)
	}
	if got := srv.lastRequest(); got.Language != "python" || got.Runtime != "jailed" || got.Target != "native" {
		t.Fatalf("overrides not applied: %+v", got)
	}
}

func TestSystemCommands(t *testing.T) {
	srv := newFakeServer(t)
	out := runSession(t, srv.URL, "languages\nset timeout 5s\nset base http://other:1/\nshow config\nbogus\nexit\nlanguages\n")
	for _, want := range []string{
		"rust         native,wasm",
		"runtimes: wasm,jailed",
		"timeout set to 5s",
		"base: http://other:1",
		"unknown command: bogus",
		"bye",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "runtimes:") != 1 {
		t.Fatalf("commands after exit should not run:\n%s", out)
	}
}

func TestRunParamErrors(t *testing.T) {
	srv := newFakeServer(t)
	src := writeSource(t, "main.py", "print(1)")
	cases := map[string]string{
		"run":                      "usage: run <file>",
		"run " + src + " nokey":    "invalid param: nokey",
		"run " + src + " wall=abc": "invalid wall",
		"run " + src + " mem=1k":   "invalid mem",
		"run /does/not/exist.py":   "read source failed",
	}
	for line, want := range cases {
		out := runSession(t, srv.URL, line+"\n")
		if !strings.Contains(out, want) {
			t.Fatalf("%q: output missing %q:\n%s", line, want, out)
		}
	}
}

func TestDispatchSplitArgs(t *testing.T) {
	srv := newFakeServer(t)
	src := writeSource(t, "main.js", "console.log(1)")
	var out bytes.Buffer
	s := repl.New(client.New(srv.URL, time.Second), "wasm", false, strings.NewReader(""), &out)
	if !s.Dispatch(context.Background(), []string{"run", src, "stdin=a b"}) {
		t.Fatalf("run should not end the session")
	}
	if got := srv.lastRequest(); got.Language != "javascript" || got.Stdin != "a b" {
		t.Fatalf("unexpected request %+v", got)
	}
	if s.Dispatch(context.Background(), []string{"quit"}) {
		t.Fatalf("quit should end the session")
	}
}
