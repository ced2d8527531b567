package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tether/internal/config"
	"github.com/yairfalse/tether/storage"
	"github.com/yairfalse/tether/wal"
)

func newSessionCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the login session",
		Long: `Manage the login session.

Servers are only connected while a valid session exists. Logging out
disconnects the active server on the daemon's next poll.`,
	}
	cmd.AddCommand(
		newSessionLoginCmd(global),
		newSessionLogoutCmd(global),
		newSessionStatusCmd(global),
	)
	return cmd
}

type sessionEntry struct {
	User      string    `json:"user,omitempty"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// journalSession records a session change when the journal is enabled.
func journalSession(cfg *config.Config, entry sessionEntry) error {
	if !cfg.Journal.Enabled {
		return nil
	}
	j, err := wal.OpenWithConfig(cfg.Journal.Dir, wal.Config{
		MaxFileSize:   cfg.Journal.MaxFileSize,
		RetentionDays: cfg.Journal.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = j.Close() }()
	return j.Append(wal.EntrySession, "", entry)
}

func newSessionLoginCmd(global *globalOptions) *cobra.Command {
	var (
		user  string
		token string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Store a session token",
		Example: `  tether session login --user ada --token abc --ttl 12h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			sess := storage.Session{User: user, Token: token}
			if ttl > 0 {
				sess.ExpiresAt = time.Now().Add(ttl).UTC()
			}
			return withStore(global, func(cfg *config.Config, store *storage.Store) error {
				if err := store.SetSession(sess); err != nil {
					return err
				}
				if err := journalSession(cfg, sessionEntry{User: user, Action: "login", ExpiresAt: sess.ExpiresAt}); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", displayUser(user))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User name")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Session lifetime (0 never expires)")
	return cmd
}

func newSessionLogoutCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(global, func(cfg *config.Config, store *storage.Store) error {
				if err := store.ClearSession(); err != nil {
					return err
				}
				if err := journalSession(cfg, sessionEntry{Action: "logout"}); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newSessionStatusCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(global, func(_ *config.Config, store *storage.Store) error {
				out := cmd.OutOrStdout()
				sess, err := store.Session()
				if errors.Is(err, storage.ErrNotFound) {
					_, _ = fmt.Fprintln(out, "not logged in")
					return nil
				}
				if err != nil {
					return err
				}

				state := "valid"
				if !sess.Valid(time.Now()) {
					state = "expired"
				}
				_, _ = fmt.Fprintf(out, "user: %s\nstate: %s\n", displayUser(sess.User), state)
				if !sess.ExpiresAt.IsZero() {
					_, _ = fmt.Fprintf(out, "expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func displayUser(user string) string {
	if user == "" {
		return "(anonymous)"
	}
	return user
}
