package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/internal/client"
	"github.com/telhawk-systems/objtrigger/cli/internal/notify"
	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
	"github.com/telhawk-systems/objtrigger/common/envelope"
)

var sendCmd = &cobra.Command{
	Use:   "send <bucket> <key>",
	Short: "Send one upload notification to the receiver",
	Long: `Build a MinIO-style ObjectCreated notification for bucket/key and post it
to the receiver webhook.

Examples:
  # Notify about a new upload
  trigctl send pdf-inbox reports/q3.pdf --etag 5d41402a

  # Replay the same notification three times; only one run should start
  trigctl send pdf-inbox reports/q3.pdf --sequencer 17D8A3B0C5A1B2C3 --repeat 3`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("etag", "", "object ETag")
	sendCmd.Flags().String("sequencer", "", "object version sequencer")
	sendCmd.Flags().Int64("size", 1024, "object size in bytes")
	sendCmd.Flags().String("event", notify.EventPut, "provider event name")
	sendCmd.Flags().String("content-type", "application/pdf", "object content type")
	sendCmd.Flags().Int("repeat", 1, "send the identical body this many times")
}

func runSend(cmd *cobra.Command, args []string) error {
	etag, _ := cmd.Flags().GetString("etag")
	sequencer, _ := cmd.Flags().GetString("sequencer")
	size, _ := cmd.Flags().GetInt64("size")
	event, _ := cmd.Flags().GetString("event")
	contentType, _ := cmd.Flags().GetString("content-type")
	repeat, _ := cmd.Flags().GetInt("repeat")
	if repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	obj := notify.Object{
		Bucket:      args[0],
		Key:         args[1],
		Size:        size,
		ETag:        etag,
		Sequencer:   sequencer,
		ContentType: contentType,
		EventName:   event,
		Time:        time.Now(),
	}
	body, err := notify.Build(obj)
	if err != nil {
		return err
	}

	version := sequencer
	if version == "" {
		version = etag
	}
	output.Info("run key: %s", envelope.RunKey(obj.Bucket, obj.Key, version))

	c := client.NewReceiverClient(receiverURL(cmd))
	for i := 0; i < repeat; i++ {
		resp, err := c.SendNotification(body)
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
		if err := reportResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

func reportResponse(resp *client.WebhookResponse) error {
	switch {
	case resp.StatusCode == 200:
		output.Success("receiver answered %s", resp.Status)
		return nil
	case resp.RetryAfter > 0:
		return fmt.Errorf("receiver is overloaded (%d, retry after %ds): %s", resp.StatusCode, resp.RetryAfter, resp.Error)
	default:
		return fmt.Errorf("receiver rejected notification (%d): %s", resp.StatusCode, resp.Error)
	}
}
