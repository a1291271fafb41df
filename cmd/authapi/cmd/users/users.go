package users

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pilotdata/authsvc/cmd/authapi/cmd/cmdutil"
	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
)

// UsersCmd is the parent command for account lifecycle operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage account lifecycle",
	Long: `Commands that enable, disable or restore an account across the identity
provider, the directory and the graph database.`,
}

var (
	emailFlag    string
	globalIDFlag string
	projectFlag  string
)

func transitionCmd(t lifecycle.Transition, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   string(t),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if emailFlag == "" && globalIDFlag == "" {
				return fmt.Errorf("--email or --global-id is required")
			}
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			backends, err := cmdutil.NewBackends(ctx, cfg, cmdutil.BackendOptions{})
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			rec := lifecycle.NewReconciler(backends.Identity, backends.Directory, backends.Graph, nil)
			res, err := rec.Apply(ctx, lifecycle.Request{
				Transition:  t,
				Email:       emailFlag,
				GlobalID:    globalIDFlag,
				ProjectCode: projectFlag,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	c.Flags().StringVar(&emailFlag, "email", "", "Email address of the user")
	c.Flags().StringVar(&globalIDFlag, "global-id", "", "Global entity id of the user")
	return c
}

func init() {
	restore := transitionCmd(lifecycle.TransitionRestore, "Restore an active user's hibernated project memberships")
	restore.Flags().StringVar(&projectFlag, "project", "", "Restore only this project code")

	UsersCmd.AddCommand(
		transitionCmd(lifecycle.TransitionEnable, "Activate an account"),
		transitionCmd(lifecycle.TransitionDisable, "Disable an account and revoke all project access"),
		restore,
	)
}
