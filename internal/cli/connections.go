package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/herald/internal/connections"
)

var (
	connTenant       string
	connAssistant    string
	connChannel      string
	connToken        string
	connRefreshToken string
	connAccountName  string
	connExpiresIn    time.Duration
	connUserID       string
	connIGUserID     string
	connPageID       string
	connPageToken    string
	connOrgID        string
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage channel connections",
	Long: `Manage the channel accounts tenants publish through.

Tokens are sealed with security.secret_key before they are stored and are
never printed.`,
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a channel connection",
	Long: `Add a channel connection, or replace the credentials of the existing one for
the same tenant, assistant and channel.

Examples:
  herald connections add --tenant acme --channel facebook \
    --token "$FB_USER_TOKEN" --page-id 1234 --page-token "$FB_PAGE_TOKEN"

  herald connections add --tenant acme --assistant marketing --channel linkedin \
    --token "$LI_TOKEN" --org-id 5678`,
	RunE: runConnectionsAdd,
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's connections",
	RunE:  runConnectionsList,
}

func init() {
	f := connectionsAddCmd.Flags()
	f.StringVar(&connTenant, "tenant", "", "Tenant ID")
	f.StringVar(&connAssistant, "assistant", "", "Assistant ID (empty shares the connection with every assistant)")
	f.StringVar(&connChannel, "channel", "", "Channel (facebook, instagram, linkedin, twitter, tiktok)")
	f.StringVar(&connToken, "token", "", "Access token")
	f.StringVar(&connRefreshToken, "refresh-token", "", "Refresh token")
	f.StringVar(&connAccountName, "account-name", "", "Display name of the account")
	f.DurationVar(&connExpiresIn, "expires-in", 0, "Access token lifetime (e.g. 1440h)")
	f.StringVar(&connUserID, "user-id", "", "Platform user ID")
	f.StringVar(&connIGUserID, "ig-user-id", "", "Instagram business user ID")
	f.StringVar(&connPageID, "page-id", "", "Facebook page to publish to")
	f.StringVar(&connPageToken, "page-token", "", "Access token of --page-id")
	f.StringVar(&connOrgID, "org-id", "", "LinkedIn organization to post as")
	_ = connectionsAddCmd.MarkFlagRequired("tenant")
	_ = connectionsAddCmd.MarkFlagRequired("channel")
	_ = connectionsAddCmd.MarkFlagRequired("token")

	connectionsListCmd.Flags().StringVar(&connTenant, "tenant", "", "Tenant ID")
	_ = connectionsListCmd.MarkFlagRequired("tenant")

	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsListCmd)

	rootCmd.AddCommand(connectionsCmd)
}

// connectionFromFlags builds the connection described by the add flags.
func connectionFromFlags(now time.Time) *connections.Connection {
	c := &connections.Connection{
		TenantID:     connTenant,
		AssistantID:  connAssistant,
		Channel:      strings.ToLower(strings.TrimSpace(connChannel)),
		AccountName:  connAccountName,
		AccessToken:  connToken,
		RefreshToken: connRefreshToken,
		Account: connections.Account{
			PlatformUserID: connUserID,
			IGUserID:       connIGUserID,
		},
	}
	if connExpiresIn > 0 {
		expires := now.Add(connExpiresIn).UTC()
		c.TokenExpiresAt = &expires
	}
	if connPageID != "" {
		c.Account.Pages = []connections.Page{{
			ID:                         connPageID,
			AccessToken:                connPageToken,
			IsDefault:                  true,
			InstagramBusinessAccountID: connIGUserID,
		}}
	}
	if connOrgID != "" {
		c.Account.Organizations = []connections.Organization{{
			ID:             connOrgID,
			IsDefault:      true,
			IsOrganization: true,
		}}
	}
	return c
}

func runConnectionsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.connections()
	if err != nil {
		return err
	}

	c := connectionFromFlags(time.Now())
	if err := store.Save(cmd.Context(), c); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Connection %s saved for %s (%s).\n", c.ID, c.TenantID, c.Channel)
	return nil
}

func runConnectionsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.connections()
	if err != nil {
		return err
	}

	conns, err := store.List(cmd.Context(), connTenant)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(conns) == 0 {
		fmt.Fprintln(out, "No connections found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-10s  %-16s  %-20s  %s\n", "ID", "CHANNEL", "ASSISTANT", "ACCOUNT", "ACTIVE")
	for _, c := range conns {
		assistant := c.AssistantID
		if assistant == "" {
			assistant = "(all)"
		}
		fmt.Fprintf(out, "%-36s  %-10s  %-16s  %-20s  %t\n", c.ID, c.Channel, assistant, c.AccountName, c.IsActive)
	}
	return nil
}
