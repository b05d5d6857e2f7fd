package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/crypto"
	"github.com/mikeyg42/sentinel/internal/notification"
	"github.com/mikeyg42/sentinel/internal/storage"
)

var (
	historyLimit int
	checkOffline bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and reach the ledger and bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		fmt.Println("configuration OK")
		if checkOffline {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return checkConnectivity(ctx, cfg, os.Stdout)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent shipments and motion events from the ledger",
	RunE:  runHistory,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the recipient keys in shipping.public_keys_file",
	RunE:  runKeys,
}

var gmailAuthCmd = &cobra.Command{
	Use:   "gmail-auth",
	Short: "Authorize Gmail sending and store the sealed token",
	Long: `Runs the OAuth2 consent flow for alerts.gmail. The resulting token is
sealed with alerts.gmail.token_key (or SENTINEL_GMAIL_TOKEN_KEY) and written
to alerts.gmail.token_path.`,
	RunE: runGmailAuth,
}

var sealKeyCmd = &cobra.Command{
	Use:   "seal-key",
	Short: "Generate a key for sealing the Gmail token",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkOffline, "offline", false, "Only validate the configuration")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of rows per table")
	historyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	keysCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func checkConnectivity(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.Ledger.Driver != "" {
		ledger, err := storage.OpenLedger(cfg.Ledger)
		if err != nil {
			return err
		}
		defer ledger.Close()
		if err := ledger.HealthCheck(ctx); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		fmt.Fprintf(out, "ledger OK (%s)\n", cfg.Ledger.Driver)
	}

	up, err := storage.NewMinIOUploader(cfg.Storage)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}
	if err := up.HealthCheck(ctx); err != nil {
		return fmt.Errorf("object storage: %w", err)
	}
	fmt.Fprintf(out, "bucket OK (%s/%s)\n", cfg.Storage.Endpoint, cfg.Storage.Bucket)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cfg.Ledger.Driver == "" {
		return errors.New("ledger is disabled (set ledger.driver)")
	}
	ledger, err := storage.OpenLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	shipments, err := ledger.ListShipments(ctx, historyLimit)
	if err != nil {
		return err
	}
	motionEvents, err := ledger.ListMotion(ctx, historyLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"shipments": shipments,
			"motion":    motionEvents,
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOUTCOME\tPATH\tKEY\tERROR")
	for _, s := range shipments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.At.Local().Format(time.DateTime), s.Outcome, s.Path, s.RemoteKey, s.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TIME\tSESSION\tCOVERAGE")
	for _, m := range motionEvents {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\n", m.At.Local().Format(time.DateTime), m.SessionID, m.CoveragePercent)
	}
	return w.Flush()
}

func runKeys(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	return printKeys(os.Stdout, cfg, jsonOutput)
}

// printKeys lists the keyring and fails when a configured recipient has no
// key, in both output formats.
func printKeys(out io.Writer, cfg *config.Config, asJSON bool) error {
	ring, err := crypto.LoadKeyring(cfg.Shipping.PublicKeysFile)
	if err != nil {
		return err
	}
	infos := crypto.Describe(ring)
	_, recErr := crypto.NewPGPEncryptor(ring, cfg.Shipping.Recipients)
	if recErr != nil {
		recErr = fmt.Errorf("recipients %v: %w", cfg.Shipping.Recipients, recErr)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			return err
		}
		return recErr
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tFINGERPRINT\tIDENTITIES")
	for _, k := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.KeyID, k.Fingerprint, strings.Join(k.Identities, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return recErr
}

func runGmailAuth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := notification.AuthorizeGmail(ctx, cfg.Alerts.Gmail, os.Stdout); err != nil {
		return err
	}
	fmt.Printf("Token sealed to %s\n", cfg.Alerts.Gmail.TokenPath)
	return nil
}
