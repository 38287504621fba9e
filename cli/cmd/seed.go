package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/internal/client"
	"github.com/telhawk-systems/objtrigger/cli/internal/notify"
	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
)

const seedMaxBackoffRetries = 5

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send synthetic upload notifications",
	Long: `Generate realistic uploads and post their notifications to the receiver.

Each upload can be replayed with --duplicates to check that redeliveries do
not start extra runs, and re-uploaded with --overwrites to check that a new
version of the same key does.

Examples:
  trigctl seed --count 50
  trigctl seed --bucket scans --suffix .pdf --count 10 --duplicates 2 --seed 42`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().String("bucket", "pdf-inbox", "bucket name")
	seedCmd.Flags().String("suffix", ".pdf", "object key suffix")
	seedCmd.Flags().Int("count", 10, "number of distinct uploads")
	seedCmd.Flags().Int("duplicates", 0, "extra deliveries of each notification")
	seedCmd.Flags().Int("overwrites", 0, "re-uploads of each key with a new version")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 = random)")
	seedCmd.Flags().Duration("delay", 0, "pause between requests")
}

type seedStats struct {
	Sent     int `json:"sent" yaml:"sent"`
	Accepted int `json:"accepted" yaml:"accepted"`
	Ignored  int `json:"ignored" yaml:"ignored"`
	Retried  int `json:"retried" yaml:"retried"`
	Failed   int `json:"failed" yaml:"failed"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	bucket, _ := cmd.Flags().GetString("bucket")
	suffix, _ := cmd.Flags().GetString("suffix")
	count, _ := cmd.Flags().GetInt("count")
	duplicates, _ := cmd.Flags().GetInt("duplicates")
	overwrites, _ := cmd.Flags().GetInt("overwrites")
	seed, _ := cmd.Flags().GetInt64("seed")
	delay, _ := cmd.Flags().GetDuration("delay")

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	gen := notify.NewGenerator(seed, bucket, suffix)
	c := client.NewReceiverClient(receiverURL(cmd))
	stats := &seedStats{}

	for i := 0; i < count; i++ {
		obj := gen.Object()
		versions := []notify.Object{obj}
		for j := 0; j < overwrites; j++ {
			versions = append(versions, gen.Overwrite(obj))
		}

		for _, v := range versions {
			body, err := notify.Build(v)
			if err != nil {
				return err
			}
			for d := 0; d <= duplicates; d++ {
				sendWithRetry(c, body, stats)
				if delay > 0 {
					time.Sleep(delay)
				}
			}
		}
	}

	return output.Print(format, stats, func() *output.Table {
		t := output.NewTable("SENT", "ACCEPTED", "IGNORED", "RETRIED", "FAILED")
		t.AddRow(fmt.Sprint(stats.Sent), fmt.Sprint(stats.Accepted), fmt.Sprint(stats.Ignored),
			fmt.Sprint(stats.Retried), fmt.Sprint(stats.Failed))
		return t
	})
}

// sendWithRetry honors the receiver's Retry-After on backpressure.
func sendWithRetry(c *client.ReceiverClient, body []byte, stats *seedStats) {
	stats.Sent++
	for attempt := 0; ; attempt++ {
		resp, err := c.SendNotification(body)
		if err != nil {
			output.Warn("send failed: %v", err)
			stats.Failed++
			return
		}
		switch {
		case resp.StatusCode == 200 && resp.Status == "accepted":
			stats.Accepted++
			return
		case resp.StatusCode == 200:
			stats.Ignored++
			return
		case resp.RetryAfter > 0 && attempt < seedMaxBackoffRetries:
			stats.Retried++
			time.Sleep(time.Duration(resp.RetryAfter) * time.Second)
		default:
			output.Warn("receiver answered %d: %s", resp.StatusCode, resp.Error)
			stats.Failed++
			return
		}
	}
}
