package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/banstore"
	"github.com/cuemby/burrow/pkg/types"
)

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Administer the ban store",
	Long: `Administer the ban database directly.

The running ban-store worker holds the database lock; these commands
wait briefly for it and fail if the server is running.`,
}

var banAddCmd = &cobra.Command{
	Use:   "add MASK [REASON...]",
	Short: "Add or replace a ban",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		return withStore(cmd, func(s banstore.Store) error {
			ban := newBan(args[0], strings.Join(args[1:], " "), duration, time.Now())
			if err := s.Add(ban); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Ban added: %s\n", ban.Mask)
			return nil
		})
	},
}

var banDelCmd = &cobra.Command{
	Use:   "del MASK",
	Short: "Remove a ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s banstore.Store) error {
			if err := s.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Ban removed: %s\n", args[0])
			return nil
		})
	},
}

var banListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active bans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s banstore.Store) error {
			bans, err := s.List(time.Now())
			if err != nil {
				return err
			}
			return printBans(cmd.OutOrStdout(), bans)
		})
	},
}

var banApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Add the bans listed in a YAML file",
	Long: `Add every ban listed in a YAML file, replacing bans with the same mask.

Example file:
  bans:
    - mask: "*!*@203.0.113.0/24"
      reason: open proxies
      duration: 720h
    - mask: "spambot!*@*"

Examples:
  burrow ban apply -f bans.yaml
  burrow ban apply -f bans.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %v", err)
		}
		file, err := parseBanFile(data)
		if err != nil {
			return err
		}
		return withStore(cmd, func(s banstore.Store) error {
			_, err := applyBans(s, file, time.Now(), dryRun, cmd.OutOrStdout())
			return err
		})
	},
}

func init() {
	banCmd.AddCommand(banAddCmd)
	banCmd.AddCommand(banDelCmd)
	banCmd.AddCommand(banListCmd)
	banCmd.AddCommand(banApplyCmd)

	banCmd.PersistentFlags().String("db", "/var/lib/burrow/bans.db", "Ban database file")
	banAddCmd.Flags().Duration("duration", 0, "Ban lifetime (0 = permanent)")
	banApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	banApplyCmd.Flags().Bool("dry-run", false, "Show what would be added without making changes")
	_ = banApplyCmd.MarkFlagRequired("file")
}

func withStore(cmd *cobra.Command, fn func(banstore.Store) error) error {
	path, _ := cmd.Flags().GetString("db")
	store, err := banstore.NewBoltStore(path)
	if err != nil {
		return fmt.Errorf("failed to open ban store (is burrow serve running?): %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newBan(mask, reason string, d time.Duration, now time.Time) *types.Ban {
	ban := &types.Ban{Mask: mask, Reason: reason, CreatedAt: now}
	if d > 0 {
		ban.ExpiresAt = now.Add(d)
	}
	return ban
}

func printBans(w io.Writer, bans []*types.Ban) error {
	if len(bans) == 0 {
		_, err := fmt.Fprintln(w, "No active bans")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MASK\tEXPIRES\tREASON")
	for _, b := range bans {
		expires := "never"
		if !b.ExpiresAt.IsZero() {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Mask, expires, b.Reason)
	}
	return tw.Flush()
}

// BanFile is the document read by ban apply
type BanFile struct {
	Bans []BanEntry `yaml:"bans"`
}

type BanEntry struct {
	Mask     string        `yaml:"mask"`
	Reason   string        `yaml:"reason,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
}

func parseBanFile(data []byte) (*BanFile, error) {
	var file BanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %v", err)
	}
	var errs []error
	for i, e := range file.Bans {
		if _, err := banstore.NormalizeMask(e.Mask); err != nil {
			errs = append(errs, fmt.Errorf("bans[%d]: %w", i, err))
		}
		if e.Duration < 0 {
			errs = append(errs, fmt.Errorf("bans[%d]: negative duration", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &file, nil
}

// applyBans adds every entry of file and returns how many were (or, on a
// dry run, would be) written.
func applyBans(s banstore.Store, file *BanFile, now time.Time, dryRun bool, out io.Writer) (int, error) {
	if dryRun {
		fmt.Fprintln(out, "[DRY RUN] Would add the following bans:")
	}
	n := 0
	for _, e := range file.Bans {
		ban := newBan(e.Mask, e.Reason, e.Duration, now)
		if dryRun {
			fmt.Fprintf(out, "  %s\n", banstore.FormatBan(ban))
			n++
			continue
		}
		if err := s.Add(ban); err != nil {
			return n, fmt.Errorf("failed to add %s: %w", e.Mask, err)
		}
		fmt.Fprintf(out, "✓ Ban added: %s\n", ban.Mask)
		n++
	}
	return n, nil
}
