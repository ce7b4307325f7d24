package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baderanaas/firestbreak/pkg/config"
	"github.com/baderanaas/firestbreak/pkg/libp2p"
	"github.com/baderanaas/firestbreak/pkg/storage"
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the peers whose profiles you have received",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(dataDir)
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer db.Close()

		if forget, _ := cmd.Flags().GetString("forget"); forget != "" {
			if err := db.ForgetEncounter(forget); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", forget)
			return nil
		}

		encounters, err := db.ListEncounters()
		if err != nil {
			return err
		}
		if len(encounters) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No encounters yet.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATUS\tSEEN\tLAST SEEN\tCOMMON\tPEER")
		for _, e := range encounters {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				e.Name, e.Status, e.TimesSeen,
				e.LastSeen.Local().Format(time.DateTime),
				strings.Join(e.Common, ", "), e.PeerID)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().String("forget", "", "delete the record of a peer ID")
}

// --- identity ---

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this node's peer ID and device token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(dataDir)
		if err != nil {
			return err
		}
		id, err := libp2p.IdentityPeerID(cfg.DataDir)
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer db.Close()
		token, err := db.DeviceToken()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Peer ID:      %s\n", id)
		fmt.Fprintf(out, "Device token: %s\n", token)
		fmt.Fprintf(out, "Service:      %s\n", cfg.Service)
		fmt.Fprintf(out, "Data dir:     %s\n", cfg.DataDir)
		return nil
	},
}
