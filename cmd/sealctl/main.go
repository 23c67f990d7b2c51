package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chainseal/chainseal/pkg/client"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sealctl",
	Short: "ChainSeal anchoring CLI",
	Long: `sealctl is the operator CLI for a ChainSeal anchoring service.

It anchors entity snapshots, verifies them against the ledger, and drives
the approve/reject workflow on pending audit records.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sealctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sealctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "anchoring service URL (default http://localhost:8080)")

	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(resubmitCmd)
	rootCmd.AddCommand(backendCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	return client.New(serverURL, 30*time.Second)
}

// readSnapshot loads an entity snapshot from the given file, or from stdin
// when path is "-".
func readSnapshot(path string) (map[string]any, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot is not a JSON object: %w", err)
	}
	return snapshot, nil
}

// ── anchor ───────────────────────────────────────────────────────────────────

var anchorOperation string

var anchorCmd = &cobra.Command{
	Use:   "anchor <entity-id> <snapshot.json>",
	Short: "Anchor an entity snapshot on the ledger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := readSnapshot(args[1])
		if err != nil {
			return err
		}

		res, err := newClient().RecordMutation(context.Background(), args[0], snapshot, anchorOperation)
		if err != nil {
			return err
		}

		fmt.Printf("outcome:  %s\n", res.Outcome)
		fmt.Printf("digest:   %s\n", res.Record.Digest)
		if res.Record.TxRef != "" {
			fmt.Printf("tx ref:   %s\n", res.Record.TxRef)
		}
		return nil
	},
}

func init() {
	anchorCmd.Flags().StringVar(&anchorOperation, "operation", "update", "operation type (insert, update, delete, initial_migration)")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <entity-id> <snapshot.json>",
	Short: "Check a snapshot against its anchored digest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := readSnapshot(args[1])
		if err != nil {
			return err
		}

		res, err := newClient().Verify(context.Background(), args[0], snapshot)
		if err != nil {
			return err
		}

		if res.Valid {
			fmt.Println("valid: snapshot matches the anchored digest")
			return nil
		}
		fmt.Printf("INVALID: %s\n", res.Reason)
		fmt.Printf("computed: %s\n", res.Digest)
		if res.LedgerDigest != "" {
			fmt.Printf("anchored: %s\n", res.LedgerDigest)
		}
		os.Exit(1)
		return nil
	},
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status <entity-id>",
	Short: "Show the audit trail of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := newClient().History(context.Background(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tOPERATION\tSTATUS\tTX REF\tDIGEST")
		for _, r := range recs {
			txRef := r.TxRef
			if txRef == "" {
				txRef = "(unanchored)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt.Format(time.RFC3339), r.Operation, r.Status, txRef, r.Digest)
		}
		return w.Flush()
	},
}

// ── approve / reject ─────────────────────────────────────────────────────────

var resolveReason string

var approveCmd = &cobra.Command{
	Use:   "approve <entity-id>",
	Short: "Approve the latest pending audit record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newClient().Approve(context.Background(), args[0], resolveReason)
		if err != nil {
			return err
		}
		fmt.Printf("record %s is now %s\n", rec.ID, rec.Status)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <entity-id>",
	Short: "Reject the latest pending audit record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newClient().Reject(context.Background(), args[0], resolveReason)
		if err != nil {
			return err
		}
		fmt.Printf("record %s is now %s\n", rec.ID, rec.Status)
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&resolveReason, "reason", "", "reason recorded with the action")
	rejectCmd.Flags().StringVar(&resolveReason, "reason", "", "reason recorded with the action")
}

// ── resubmit ─────────────────────────────────────────────────────────────────

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <entity-id> <snapshot.json>",
	Short: "Re-anchor an entity whose record has no ledger reference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := readSnapshot(args[1])
		if err != nil {
			return err
		}

		res, err := newClient().Resubmit(context.Background(), args[0], snapshot)
		if err != nil {
			return err
		}
		fmt.Printf("outcome: %s\n", res.Outcome)
		if res.Record.TxRef != "" {
			fmt.Printf("tx ref:  %s\n", res.Record.TxRef)
		}
		return nil
	},
}

// ── backend / version ────────────────────────────────────────────────────────

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show which ledger backend the service anchors to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := newClient().Backend(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(backend)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sealctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
