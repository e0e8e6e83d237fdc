package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/willway/botkeeper/internal/applier"
	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/internal/reconciler"
	"github.com/willway/botkeeper/internal/telegram"
	"github.com/willway/botkeeper/pkg/ratelimit"
)

var (
	checkRemote   bool
	deleteWebhook bool
	dropPending   bool

	checkCmd = &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a bot config file and print its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}

	applyCmd = &cobra.Command{
		Use:   "apply <config>",
		Short: "Push a bot config to the platform once and print per-field results",
		Args:  cobra.ExactArgs(1),
		RunE:  runApply,
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot <config>",
		Short: "Print the platform's current settings and their divergence from the config",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshot,
	}
)

func init() {
	checkCmd.Flags().BoolVar(&checkRemote, "remote", false, "also verify the token with getMe")
	snapshotCmd.Flags().BoolVar(&deleteWebhook, "delete-webhook", false, "remove any webhook registered on the bot")
	snapshotCmd.Flags().BoolVar(&dropPending, "drop-pending", false, "with --delete-webhook, also drop pending updates")
}

func loadBot(path string) (*botconfig.BotConfig, *telegram.Client, error) {
	loader, err := current.loader()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, nil, err
	}
	st := current.settings
	client := telegram.NewClient(cfg.Token, telegram.Options{
		BaseURL: st.APIBaseURL,
		Timeout: st.HTTPTimeout,
		Limits:  ratelimit.NewRateLimitManager(ratelimit.Options{MutationPause: st.MutationPause}),
		Logger:  current.log,
	})
	return cfg, client, nil
}

func commandContext(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), d)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := args[0]
	if err := botconfig.ValidateFile(path); err != nil {
		return err
	}
	cfg, client, err := loadBot(path)
	if err != nil {
		return err
	}
	fp, err := botconfig.Fingerprint(path)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s\n", path)
	fmt.Fprintf(tw, "fingerprint\t%s\n", fp)
	fmt.Fprintf(tw, "display name\t%s\n", cfg.DisplayName)
	fmt.Fprintf(tw, "commands\t%d\n", len(cfg.Commands))
	if cfg.AvatarPath != "" {
		fmt.Fprintf(tw, "avatar\t%s\n", cfg.AvatarPath)
	}

	if checkRemote {
		ctx, cancel := commandContext(cmd, current.settings.HTTPTimeout)
		defer cancel()
		me, err := client.GetIdentity(ctx)
		if err != nil {
			_ = tw.Flush()
			return fmt.Errorf("token check failed: %w", err)
		}
		fmt.Fprintf(tw, "remote\t@%s (%s, id %d)\n", me.Username, me.FirstName, me.ID)
	}
	return tw.Flush()
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, client, err := loadBot(args[0])
	if err != nil {
		return err
	}
	// 五个字段加上各自的暂停
	ctx, cancel := commandContext(cmd, 5*(current.settings.HTTPTimeout+current.settings.MutationPause))
	defer cancel()

	results := applier.New(cfg.Name, client, current.log).Apply(ctx, cfg)
	printResults(results)
	if !results.OK() {
		return fmt.Errorf("%d field(s) failed", results.Count(applier.StatusFailed))
	}
	return nil
}

func printResults(results applier.Results) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tSTATUS\tDETAIL")
	for _, r := range results {
		detail := r.Reason
		if r.Status == applier.StatusRateLimited && r.RetryAfter > 0 {
			detail = "retry after " + r.RetryAfter.String()
		}
		if r.Err != nil && detail == "" {
			detail = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Field, r.Status, detail)
	}
	_ = tw.Flush()
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, client, err := loadBot(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd, 4*current.settings.HTTPTimeout)
	defer cancel()

	rec := reconciler.New(cfg.Name, client, nil, nil, current.log)
	snap, err := rec.Fetch(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "display name\t%s\n", snap.DisplayName)
	fmt.Fprintf(tw, "webhook\t%s\n", orNone(snap.WebhookURL))
	for _, c := range snap.Commands {
		fmt.Fprintf(tw, "command\t/%s\t%s\n", botconfig.NormalizeKeyword(c.Keyword), c.Description)
	}
	_, divs := reconciler.Compare(cfg, snap)
	if len(divs) == 0 {
		fmt.Fprintln(tw, "status\tin sync")
	}
	for _, d := range divs {
		fmt.Fprintf(tw, "divergence\t%s\n", d)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if deleteWebhook {
		if snap.WebhookURL == "" {
			fmt.Println("no webhook registered")
			return nil
		}
		if err := client.DeleteWebhook(ctx, dropPending); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		fmt.Println("webhook deleted")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
