package commands

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/futurebazaar/sessionkit"
)

func loginCmd() *cobra.Command {
	var email string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				if email, err = prompt(cmd.ErrOrStderr(), in, "Email: "); err != nil {
					return err
				}
			}
			password, err := readPassword(cmd, in, passwordStdin)
			if err != nil {
				return err
			}

			res, err := a.manager.Login(cmd.Context(), sessionkit.Credentials{Email: email, Password: password})
			if err != nil {
				return errors.New(sessionkit.UserMessage(err, "Login failed"))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Welcome back! Signed in as %s until %s\n",
				displayName(res.User), res.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin instead of prompting")
	return cmd
}

func verifyCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the persisted session with the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			res, err := a.manager.VerifyToken(cmd.Context(), force)
			if err != nil {
				return errors.New(sessionkit.UserMessage(err, "Token verification failed"))
			}
			source := "backend"
			if res.Cached {
				source = "cache"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session valid for %s (answered by %s)\n", displayName(res.User), source)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the verification debounce window")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the backend and locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if err := a.manager.Logout(cmd.Context()); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", sessionkit.UserMessage(err, "Logout failed"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the stored user as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			user, ok := a.manager.CurrentUser(cmd.Context())
			if !ok {
				return sessionkit.ErrNoUser
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session without contacting the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			snap, err := a.manager.Session(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store:          %s\n", a.cfg.Store.Backend)
			fmt.Fprintf(out, "authenticated:  %t\n", snap.Authenticated)
			fmt.Fprintf(out, "token present:  %t\n", snap.HasToken)
			if snap.User != nil {
				fmt.Fprintf(out, "user:           %s\n", displayName(snap.User))
			}
			if !snap.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "expires:        %s\n", snap.ExpiresAt.Local().Format(time.RFC1123))
			}
			if !snap.LastVerificationAt.IsZero() {
				fmt.Fprintf(out, "last verified:  %s\n", snap.LastVerificationAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func resetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password EMAIL",
		Short: "Ask the backend to send a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if err := a.manager.RequestPasswordReset(cmd.Context(), args[0]); err != nil {
				return errors.New(sessionkit.UserMessage(err, "Failed to send reset email"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password reset email sent")
			return nil
		},
	}
}

func displayName(u sessionkit.User) string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Name() != "" && u.Email() != "":
		return fmt.Sprintf("%s <%s>", u.Name(), u.Email())
	case u.Email() != "":
		return u.Email()
	default:
		return "user " + u.ID()
	}
}

func prompt(w io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(cmd *cobra.Command, in *bufio.Reader, fromStdin bool) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
