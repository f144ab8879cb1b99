package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/internal/authtest"
	"github.com/futurebazaar/sessionkit/middleware"
	"github.com/futurebazaar/sessionkit/provider"
	"github.com/futurebazaar/sessionkit/store"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLoginStatusLogoutWithFileStore(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	dir := t.TempDir()
	common := []string{"--base-url", srv.URL, "--store", "file", "--store-dir", dir}

	out, err := run(t, authtest.Password+"\n", append(common, "login", "--email", authtest.Email, "--password-stdin")...)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "Welcome back!") {
		t.Fatalf("login output %q", out)
	}

	out, err = run(t, "", append(common, "status")...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "authenticated:  true") || !strings.Contains(out, authtest.Email) {
		t.Fatalf("status output %q", out)
	}

	out, err = run(t, "", append(common, "verify", "--force")...)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "answered by backend") {
		t.Fatalf("verify output %q", out)
	}

	if _, err := run(t, "", append(common, "logout")...); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if srv.LogoutCalls.Load() != 1 {
		t.Fatalf("logout calls = %d", srv.LogoutCalls.Load())
	}

	if _, err := run(t, "", append(common, "whoami")...); err == nil {
		t.Fatal("expected whoami to fail after logout")
	}
}

func TestLoginShowsServerMessage(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	_, err := run(t, "nope\n", "--base-url", srv.URL, "--store", "memory", "login", "--email", authtest.Email, "--password-stdin")
	if err == nil || err.Error() != "Invalid credentials" {
		t.Fatalf("expected server message, got %v", err)
	}
}

func TestSafeRedirect(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/orders?page=2":     "/orders?page=2",
		"//evil.example":     "/",
		"/\\evil.example":    "/",
		"https://evil.test/": "/",
	}
	for in, want := range cases {
		if got := safeRedirect(in); got != want {
			t.Errorf("safeRedirect(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConsoleLoginFlow(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	cfg := sessionkit.DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	cfg.Audit.Enabled = false
	m, err := sessionkit.New().WithConfig(cfg).WithStore(store.NewMemoryStore()).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer m.Close()

	p := provider.New(m)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close()
	select {
	case <-p.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("provider not ready")
	}

	c := &console{provider: p, gate: middleware.NewGate(p)}
	ts := httptest.NewServer(c.routes())
	defer ts.Close()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login?from=%2F" {
		t.Fatalf("anonymous: status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.PostForm(ts.URL+"/login", url.Values{
		"email":    {authtest.Email},
		"password": {authtest.Password},
		"from":     {"/"},
	})
	if err != nil {
		t.Fatalf("post login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("login: status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(body.String(), "Welcome, Admin") {
		t.Fatalf("home: status=%d body=%q", resp.StatusCode, body.String())
	}

	resp, err = client.PostForm(ts.URL+"/logout", nil)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if p.State().Authenticated() {
		t.Fatal("expected signed out")
	}
}
