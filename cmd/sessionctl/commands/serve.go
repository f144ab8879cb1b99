package commands

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/metrics/export/prometheus"
	"github.com/futurebazaar/sessionkit/middleware"
	"github.com/futurebazaar/sessionkit/provider"
	"github.com/futurebazaar/sessionkit/store"
)

var pages = template.Must(template.New("console").Parse(`
{{define "login"}}<!doctype html><html><head><meta charset="utf-8"><title>Sign in</title></head><body>
<h1>Admin console</h1>
{{if .Error}}<p style="color:#b00">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="from" value="{{.From}}">
<p><label>Email <input type="email" name="email" required></label></p>
<p><label>Password <input type="password" name="password" required></label></p>
<p><button type="submit">Sign in</button></p>
</form></body></html>{{end}}
{{define "home"}}<!doctype html><html><head><meta charset="utf-8"><title>Admin console</title></head><body>
<h1>Welcome, {{.Name}}</h1>
<p>Signed in as {{.Email}} ({{.Role}}).</p>
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
</body></html>{{end}}
`))

type loginPage struct {
	From  string
	Error string
}

type homePage struct {
	Name  string
	Email string
	Role  string
}

// console wires the provider and gate into an HTTP router.
type console struct {
	provider *provider.Provider
	gate     *middleware.Gate
	metrics  http.Handler
}

func (c *console) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if c.metrics != nil {
		r.Handle("/metrics", c.metrics)
	}
	r.Get("/login", c.showLogin)
	r.Post("/login", c.submitLogin)
	r.Post("/logout", c.logout)

	r.Group(func(r chi.Router) {
		r.Use(c.gate.Handler)
		r.Get("/", c.home)
	})
	return r
}

func (c *console) showLogin(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, "login", loginPage{From: r.URL.Query().Get("from")})
}

func (c *console) submitLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		render(w, http.StatusBadRequest, "login", loginPage{Error: "Invalid form"})
		return
	}
	from := safeRedirect(r.PostForm.Get("from"))
	creds := sessionkit.Credentials{Email: r.PostForm.Get("email"), Password: r.PostForm.Get("password")}
	if _, err := c.provider.Login(r.Context(), creds); err != nil {
		render(w, http.StatusUnauthorized, "login", loginPage{From: from, Error: sessionkit.UserMessage(err, "Login failed")})
		return
	}
	http.Redirect(w, r, from, http.StatusSeeOther)
}

func (c *console) logout(w http.ResponseWriter, r *http.Request) {
	_ = c.provider.Logout(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (c *console) home(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	render(w, http.StatusOK, "home", homePage{Name: user.Name(), Email: user.Email(), Role: user.Role()})
}

// safeRedirect only allows local paths.
func safeRedirect(from string) string {
	if from == "" || from[0] != '/' || (len(from) > 1 && (from[1] == '/' || from[1] == '\\')) {
		return "/"
	}
	return from
}

func render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local admin console guarded by the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []provider.Option{provider.WithLogger(a.logger)}
			if w, ok := a.store.(store.Watcher); ok {
				opts = append(opts, provider.WithWatcher(w))
			}
			p := provider.New(a.manager, opts...)
			if err := p.Start(ctx); err != nil {
				return err
			}
			defer p.Close()

			gate := middleware.NewGate(p,
				middleware.WithLogger(a.logger),
				middleware.WithRedirect(func(_ context.Context, location string) {
					a.logger.Info("session ended, next request goes to login", "location", location)
				}),
			)
			if err := gate.Start(ctx); err != nil {
				return err
			}
			defer gate.Stop()

			c := &console{provider: p, gate: gate}
			if a.cfg.Metrics.Enabled {
				if c.metrics, err = prometheus.Handler(prometheus.NewCollector(a.manager)); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           c.routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.OutOrStdout(), "console listening on http://%s\n", addr)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	return cmd
}
