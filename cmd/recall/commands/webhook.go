package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/recall/pkg/recall/channels"
)

// newWebhookCmd creates the `recall webhook` command group for platform
// webhook registration.
func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the platform webhook registration",
		Long: `Register or refresh the webhook on the configured platform.

Examples:
  recall webhook set https://example.com/webhook
  recall webhook resubscribe`,
	}

	cmd.AddCommand(
		newWebhookSetCmd(),
		newWebhookResubscribeCmd(),
	)
	return cmd
}

func newWebhookSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <url>",
		Short: "Register the webhook URL (Telegram)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client, err := channels.NewClient(cfg.Channel)
			if err != nil {
				return err
			}
			tg, ok := client.(*channels.TelegramClient)
			if !ok {
				return fmt.Errorf("webhook set only applies to telegram (configured: %s)", client.Name())
			}
			if err := tg.SetWebhook(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Webhook set to %s.\n", args[0])
			return nil
		},
	}
}

func newWebhookResubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubscribe",
		Short: "Re-register the app subscription (WhatsApp)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client, err := channels.NewClient(cfg.Channel)
			if err != nil {
				return err
			}
			wa, ok := client.(*channels.WhatsAppClient)
			if !ok {
				return fmt.Errorf("resubscribe only applies to whatsapp (configured: %s)", client.Name())
			}
			if err := wa.Resubscribe(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Webhook subscription refreshed.")
			return nil
		},
	}
}
