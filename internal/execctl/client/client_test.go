package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execbox/internal/execctl/client"
	"execbox/internal/execd/controller"
)

func TestClientRun(t *testing.T) {
	var got controller.RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/exec/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"code":10000,"message":"Success","data":{"outcome":"Completed","exit_code":0,"stdout":"aGkK","stderr":"","usage":{"wall_time_ms":12}}}`)
	}))
	defer srv.Close()

	c := client.New(srv.URL+"/", time.Second)
	res, info, err := c.Run(context.Background(), controller.RunRequest{Language: "python", Source: "print('hi')", Runtime: "native"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if info.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", info.StatusCode)
	}
	if got.Language != "python" || got.Runtime != "native" {
		t.Fatalf("request not forwarded: %+v", got)
	}
	if string(res.Stdout) != "hi\n" || res.Outcome != "Completed" || res.Usage.WallTimeMs != 12 {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"code":20001,"message":"compile failed","details":{"diagnostics":"main.rs:1: error"}}`)
	}))
	defer srv.Close()

	_, _, err := client.New(srv.URL, time.Second).Run(context.Background(), controller.RunRequest{Language: "rust", Source: "fn"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || !strings.Contains(apiErr.Error(), "main.rs:1: error") {
		t.Fatalf("unexpected error %q", apiErr.Error())
	}
}

func TestClientLanguages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":10000,"data":{"languages":[{"language":"rust","targets":["native","wasm"]}],"runtimes":["wasm","jailed"]}}`)
	}))
	defer srv.Close()

	langs, _, err := client.New(srv.URL, time.Second).Languages(context.Background())
	if err != nil {
		t.Fatalf("languages: %v", err)
	}
	if len(langs.Languages) != 1 || len(langs.Runtimes) != 2 {
		t.Fatalf("unexpected languages %+v", langs)
	}
}

func TestClientSetters(t *testing.T) {
	c := client.New("http://a", time.Second)
	c.SetBaseURL("http://b/")
	c.SetTimeout(0)
	if c.BaseURL() != "http://b" || c.Timeout() != time.Second {
		t.Fatalf("unexpected client state %s %s", c.BaseURL(), c.Timeout())
	}
}
