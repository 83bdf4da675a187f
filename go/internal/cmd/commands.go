package main

import (
	"context"
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/spf13/cobra"
)

// settle is how long one-shot commands wait for their write to come back as
// a snapshot before printing.
const settle = 5 * time.Second

// runOneShot opens the session, runs fn and prints the first reading that
// satisfies done, or the latest one once settle elapses.
func runOneShot(cmd *cobra.Command, fn func(ctx context.Context, m *meter.Meter) error, done func(meter.Reading) bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	readings, stop := s.meter.Readings()
	defer stop()
	<-readings // current reading

	if err := fn(ctx, s.meter); err != nil {
		return err
	}

	timeout := time.NewTimer(settle)
	defer timeout.Stop()
	for {
		select {
		case r, ok := <-readings:
			if !ok {
				return meter.ErrClosed
			}
			if done == nil || done(r) {
				printReading(cmd.OutOrStdout(), r)
				return r.Err
			}
		case <-timeout.C:
			printReading(cmd.OutOrStdout(), s.meter.Current())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the session's current reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		r := s.meter.Current()
		printReading(cmd.OutOrStdout(), r)
		return r.Err
	},
}

var addCmd = &cobra.Command{
	Use:   "add NAME ROLE",
	Short: "Add a participant priced at the role's current rate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		return runOneShot(cmd, func(ctx context.Context, m *meter.Meter) error {
			p, err := m.AddParticipant(ctx, args[0], args[1])
			id = p.ID
			if err == nil {
				cmd.Printf("Added %s (%s) as %s\n", p.Name, p.Role, p.ID)
			}
			return err
		}, func(r meter.Reading) bool {
			for _, p := range r.Participants {
				if p.ID == id {
					return true
				}
			}
			return false
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, func(ctx context.Context, m *meter.Meter) error {
			return m.RemoveParticipant(ctx, args[0])
		}, func(r meter.Reading) bool {
			for _, p := range r.Participants {
				if p.ID == args[0] {
					return false
				}
			}
			return true
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shared timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, func(ctx context.Context, m *meter.Meter) error {
			return m.Start(ctx)
		}, func(r meter.Reading) bool { return r.IsRunning })
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the shared timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, func(ctx context.Context, m *meter.Meter) error {
			return m.Stop(ctx)
		}, func(r meter.Reading) bool { return !r.IsRunning })
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the session: no participants, timer stopped at zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, func(ctx context.Context, m *meter.Meter) error {
			return m.Reset(ctx)
		}, func(r meter.Reading) bool {
			return !r.IsRunning && len(r.Participants) == 0 && r.ElapsedSeconds == 0
		})
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the roles and their hourly rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := loadRates()
		if err != nil {
			return err
		}
		table := src.Current()
		for _, role := range table.Roles() {
			rate, _ := table.Rate(role)
			cmd.Printf("%-12s %8.2f/h\n", role, rate)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, addCmd, removeCmd, startCmd, stopCmd, resetCmd, rolesCmd)
}
