package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/ingest"
)

var (
	eventType       string
	eventStatus     string
	eventCategories string
	eventTargets    []string
)

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <entity-id>",
	Short: "Publish an entity-changed event to the worker",
	Long: `Publish an entity-changed event so the worker queues one replication
job per eligible target. Nothing is sent to targets until the next tick.`,
	Example: `  syncctl enqueue 42
  syncctl enqueue 42 --categories 3,7 --secret $INGEST_SECRET
  syncctl enqueue 42 --targets site-b,site-c`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntityID(args[0])
		if err != nil {
			return err
		}
		cats, err := parseCategories(eventCategories)
		if err != nil {
			return err
		}

		ev := content.Event{
			EntityID:   id,
			EntityType: eventType,
			Status:     eventStatus,
			Categories: cats,
		}
		if cmd.Flags().Changed("targets") {
			ev.Targets = append([]string{}, eventTargets...)
		}
		resp, err := makeHTTPRequest("POST", "/v1/events", ev)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		var out ingest.PublishEventResponse
		if err := decodeResponse(resp, &out); err != nil {
			return fmt.Errorf("enqueue failed: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), out)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entity %d: %d job(s) queued\n", out.EntityID, out.Enqueued)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&eventType, "type", "post", "entity type")
	enqueueCmd.Flags().StringVar(&eventStatus, "status", content.StatusPublish, "entity status")
	enqueueCmd.Flags().StringVar(&eventCategories, "categories", "", "comma separated category ids (loaded from the store when empty)")
	enqueueCmd.Flags().StringSliceVar(&eventTargets, "targets", nil, "target ids to limit replication to (the entity's own selection when unset)")
	rootCmd.AddCommand(enqueueCmd)
}
