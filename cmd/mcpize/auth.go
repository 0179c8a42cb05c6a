package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/mcpize/internal/identity"
	"pkt.systems/mcpize/internal/session"
	"pkt.systems/pslog"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email string
	var passwordStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := requireAnonKey(cfg); err != nil {
				return err
			}
			mgr, _, err := newSessionManager(opts, cfg, logger)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if strings.TrimSpace(email) == "" {
				_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Email: ")
				email, err = readLine(in)
				if err != nil {
					return fmt.Errorf("read email: %w", err)
				}
			}
			password, err := readPassword(cmd, in, passwordStdin)
			if err != nil {
				return err
			}
			if email == "" || password == "" {
				return errors.New("email and password are required")
			}

			sess, err := mgr.Login(cmd.Context(), email, password)
			if err != nil {
				var idErr *identity.Error
				if errors.As(err, &idErr) {
					return fmt.Errorf("login failed: %s", idErr.Message())
				}
				return fmt.Errorf("login failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (session expires %s)\n",
				email, time.Unix(sess.ExpiresAt, 0).Local().Format(time.RFC1123))
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func readPassword(cmd *cobra.Command, in *bufio.Reader, fromStdin bool) (string, error) {
	if fromStdin {
		password, err := readLine(in)
		if err != nil {
			return "", fmt.Errorf("read password from stdin: %w", err)
		}
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --password-stdin")
	}
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	raw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mgr, _, err := newSessionManager(opts, cfg, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			if err := mgr.Logout(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return err
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mgr, idp, err := newSessionManager(opts, cfg, logger)
			if err != nil {
				return err
			}
			if _, ok := mgr.ValidToken(cmd.Context()); !ok {
				return errNotLoggedIn
			}
			status, err := mgr.Status()
			if err != nil {
				return err
			}

			user, err := idp.User(cmd.Context(), mgr.HTTPClient(cmd.Context()))
			user, err = userOrClaims(user, err, status, logger)
			if err != nil {
				return err
			}
			return printWhoami(cmd.OutOrStdout(), user, status)
		},
	}
}

// userOrClaims falls back to the token claims when the user lookup fails for
// any reason other than the provider rejecting the session.
func userOrClaims(user identity.User, lookupErr error, status session.Status, logger pslog.Logger) (identity.User, error) {
	if lookupErr == nil {
		return user, nil
	}
	var idErr *identity.Error
	if errors.As(lookupErr, &idErr) && idErr.Unauthorized() {
		return identity.User{}, fmt.Errorf("session rejected: %s; run `mcpize login`", idErr.Message())
	}
	logger.Warn("user lookup failed; showing token claims", "err", lookupErr)
	return identity.User{ID: status.Subject, Email: status.Email}, nil
}

func printWhoami(w io.Writer, user identity.User, status session.Status) error {
	if user.Email != "" {
		if _, err := fmt.Fprintf(w, "email:   %s\n", user.Email); err != nil {
			return err
		}
	}
	if user.ID != "" {
		if _, err := fmt.Fprintf(w, "user_id: %s\n", user.ID); err != nil {
			return err
		}
	}
	if user.Role != "" {
		if _, err := fmt.Fprintf(w, "role:    %s\n", user.Role); err != nil {
			return err
		}
	}
	if user.LastSignInAt != "" {
		if _, err := fmt.Fprintf(w, "last:    %s\n", user.LastSignInAt); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "source:  %s\n", status.Source); err != nil {
		return err
	}
	if !status.ExpiresAt.IsZero() {
		if _, err := fmt.Fprintf(w, "expires: %s\n", status.ExpiresAt.Local().Format(time.RFC1123)); err != nil {
			return err
		}
	}
	return nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mgr, _, err := newSessionManager(opts, cfg, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			token, ok := mgr.ValidToken(cmd.Context())
			if !ok {
				return errNotLoggedIn
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
