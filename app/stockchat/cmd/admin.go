package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cchalm/stockchat/internal/auth"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or reset free message counters",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [user-id]",
	Short: "Show how many messages a user has sent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := setupContext()
		id := targetUser(args)

		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		tier, err := db.GetTier(ctx, id)
		if err != nil {
			return err
		}
		count, err := db.MessageCount(ctx, id)
		if err != nil {
			return err
		}
		if tier.IsPremium() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is premium and has no message limit\n", id)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s has sent %d of %d free messages\n", id, count, cfg.FreeMessageLimit)
		return nil
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset [user-id]",
	Short: "Reset a user's free message counter",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := setupContext()
		id := targetUser(args)

		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ResetCount(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset message counter for %s\n", id)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userSetTierCmd = &cobra.Command{
	Use:       "set-tier <user-id> <free|premium>",
	Short:     "Change a user's subscription tier",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(auth.TierFree), string(auth.TierPremium)},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := setupContext()
		id, tier := auth.Identity(args[0]), auth.Tier(args[1])

		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SetTier(ctx, id, tier); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", id, tier)
		return nil
	},
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaResetCmd)
	userCmd.AddCommand(userSetTierCmd)
	rootCmd.AddCommand(quotaCmd, userCmd)
}

// targetUser returns the user named in args, or the configured user
func targetUser(args []string) auth.Identity {
	if len(args) > 0 {
		return auth.Identity(args[0])
	}
	return auth.Identity(cfg.UserID)
}
