package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

var syncHostCmd = &cobra.Command{
	Use:   "sync-host NAME",
	Short: "Replicate every unified key onto a newly added host",
	Args:  cobra.ExactArgs(1),
	RunE:  syncHost,
}

var provisionCmd = &cobra.Command{
	Use:   "provision EMAIL",
	Short: "Create or extend a client on one host or all hosts",
	Args:  cobra.ExactArgs(1),
	RunE:  provision,
}

var linksCmd = &cobra.Command{
	Use:   "links KEY_ID",
	Short: "Print the vless links of a key across all hosts",
	Args:  cobra.ExactArgs(1),
	RunE:  links,
}

func init() {
	syncHostCmd.Flags().String("lock-file", filepath.Join(os.TempDir(), "vpnshop-sync-host.lock"), "exclusive lock held while syncing")
	syncHostCmd.Flags().Duration("lock-wait", 0, "how long to wait for another sync to finish")

	provisionCmd.Flags().Int("days", 0, "days to add to the current expiry")
	provisionCmd.Flags().String("expiry", "", "absolute expiry (RFC3339)")
	provisionCmd.Flags().String("host", "", "provision on this host only")
	provisionCmd.MarkFlagsMutuallyExclusive("days", "expiry")
	provisionCmd.MarkFlagsOneRequired("days", "expiry")

	rootCmd.AddCommand(syncHostCmd, provisionCmd, linksCmd)
}

func syncHost(cmd *cobra.Command, args []string) error {
	lockPath, _ := cmd.Flags().GetString("lock-file")
	wait, _ := cmd.Flags().GetDuration("lock-wait")

	lock := flock.New(lockPath)
	var (
		locked bool
		err    error
	)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		locked, err = lock.TryLockContext(ctx, 500*time.Millisecond)
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquire %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another sync-host run holds %s", lockPath)
	}
	defer lock.Unlock()

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	synced, err := a.sync.SyncExistingKeysToHost(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, &models.SyncHostResponse{HostName: args[0], Synced: synced})
}

func provision(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	expiryFlag, _ := cmd.Flags().GetString("expiry")
	hostName, _ := cmd.Flags().GetString("host")

	var req models.ExpiryRequest
	if expiryFlag != "" {
		t, err := time.Parse(time.RFC3339, expiryFlag)
		if err != nil {
			return fmt.Errorf("--expiry: %w", err)
		}
		req = models.ExpireAt(t)
	} else {
		if days <= 0 {
			return errors.New("--days must be greater than 0")
		}
		req = models.ExtendByDays(days)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if hostName != "" {
		result, err := a.sync.ProvisionOnHost(cmd.Context(), hostName, args[0], req)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	}

	results, err := a.sync.ProvisionAllHosts(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	return printJSON(cmd, &models.ProvisionResponse{
		Results: results,
		Message: fmt.Sprintf("provisioned on %d hosts", len(results)),
	})
}

func links(cmd *cobra.Command, args []string) error {
	keyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || keyID <= 0 {
		return fmt.Errorf("invalid key id %q", args[0])
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	descriptors, err := a.links.AggregateLinks(cmd.Context(), keyID)
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		fmt.Fprintln(cmd.OutOrStdout(), d.URI())
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
