package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/watzon/herald/internal/executions"
)

var (
	executeTenant      string
	executeAssistant   string
	executeCapability  string
	executeType        string
	executePayload     string
	executePayloadFile string
	executeRequest     string
	executeChannels    []string
	executeImages      bool
	executeVideo       bool
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Queue an ad hoc execution",
	Long: `Queue an ad hoc execution. A running worker picks it up.

The payload is given either as raw JSON (--payload or --payload-file) or, for
create_content requests, built from --request and --channels.

Examples:
  herald execute --tenant acme --assistant marketing \
    --request "Announce our spring sale" --channels facebook,twitter --images

  herald execute --tenant acme --assistant marketing --type create_campaign \
    --payload-file campaign.json`,
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeTenant, "tenant", "", "Tenant ID")
	executeCmd.Flags().StringVar(&executeAssistant, "assistant", "", "Assistant ID")
	executeCmd.Flags().StringVar(&executeCapability, "capability", "", "Capability ID")
	executeCmd.Flags().StringVar(&executeType, "type", string(executions.KindCreateContent), "Request type")
	executeCmd.Flags().StringVar(&executePayload, "payload", "", "Request payload as JSON")
	executeCmd.Flags().StringVar(&executePayloadFile, "payload-file", "", "File containing the JSON payload ('-' for stdin)")
	executeCmd.Flags().StringVar(&executeRequest, "request", "", "Content request text")
	executeCmd.Flags().StringSliceVar(&executeChannels, "channels", nil, "Channels to publish to")
	executeCmd.Flags().BoolVar(&executeImages, "images", false, "Generate an image")
	executeCmd.Flags().BoolVar(&executeVideo, "video", false, "Generate a video")
	_ = executeCmd.MarkFlagRequired("tenant")
	executeCmd.MarkFlagsMutuallyExclusive("payload", "payload-file", "request")

	rootCmd.AddCommand(executeCmd)
}

// buildPayload returns the request payload selected by the flags.
func buildPayload() (json.RawMessage, error) {
	switch {
	case executePayload != "":
		return json.RawMessage(executePayload), nil
	case executePayloadFile != "":
		data, err := readInput(executePayloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		return json.RawMessage(data), nil
	case strings.TrimSpace(executeRequest) != "":
		return json.Marshal(map[string]any{
			"request":        executeRequest,
			"channels":       executeChannels,
			"include_images": executeImages,
			"include_video":  executeVideo,
		})
	}
	return nil, fmt.Errorf("one of --payload, --payload-file or --request is required")
}

func runExecute(cmd *cobra.Command, args []string) error {
	payload, err := buildPayload()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec := &executions.Record{
		TenantID:       executeTenant,
		AssistantID:    executeAssistant,
		CapabilityID:   executeCapability,
		RequestType:    executions.RequestKind(executeType),
		RequestPayload: payload,
		InitiatedBy:    "cli",
	}
	if err := a.submitter.Submit(cmd.Context(), rec); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Execution %s queued.\n", rec.ID)
	return nil
}
