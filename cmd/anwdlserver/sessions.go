package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anweddol/anwdlserver/internal/store"
)

var sessionsStatus string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded container sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session records",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <container-uuid>",
	Short: "Show one session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge <container-uuid>",
	Short: "Delete the record of a destroyed session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsPurge,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "Only list sessions with this status (running, destroyed)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsPurgeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func withStore(cmd *cobra.Command, fn func(store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func printSession(cmd *cobra.Command, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(st store.Store) error {
		sessions, err := st.ListSessions(sessionsStatus)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
			return nil
		}
		printSession(cmd, sessions)
		return nil
	})
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(st store.Store) error {
		session, err := st.GetSession(args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		if session == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		printSession(cmd, session)
		return nil
	})
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(st store.Store) error {
		session, err := st.GetSession(args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		if session == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		if session.Status != store.StatusDestroyed {
			return fmt.Errorf("session %s is still %s", args[0], session.Status)
		}
		if err := st.DeleteSession(args[0]); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s purged\n", args[0])
		return nil
	})
}
