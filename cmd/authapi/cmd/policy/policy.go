package policy

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pilotdata/authsvc/cmd/authapi/cmd/cmdutil"
	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/policy"
)

// PolicyCmd manages the role/zone/resource/operation allow rules
var PolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage permission rules",
}

func withEngine(cmd *cobra.Command, fn func(*policy.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	backends, err := cmdutil.NewBackends(cmd.Context(), cfg, cmdutil.BackendOptions{SkipExternal: true})
	if err != nil {
		return err
	}
	defer backends.Close(cmd.Context())
	return fn(backends.Policy)
}

func ruleFromArgs(args []string) policy.Rule {
	return policy.Rule{Role: args[0], Zone: args[1], Resource: args[2], Operation: args[3]}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List allow rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *policy.Engine) error {
			rules, err := e.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tZONE\tRESOURCE\tOPERATION")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Role, r.Zone, r.Resource, r.Operation)
			}
			return w.Flush()
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add ROLE ZONE RESOURCE OPERATION",
	Short: "Add an allow rule",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *policy.Engine) error {
			added, err := e.AddRule(cmd.Context(), ruleFromArgs(args))
			if err != nil {
				return err
			}
			if !added {
				fmt.Println("Rule already present")
				return nil
			}
			fmt.Println("Rule added")
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove ROLE ZONE RESOURCE OPERATION",
	Short: "Remove an allow rule",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *policy.Engine) error {
			removed, err := e.RemoveRule(cmd.Context(), ruleFromArgs(args))
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("rule not found")
			}
			fmt.Println("Rule removed")
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check ROLE ZONE RESOURCE OPERATION",
	Short: "Evaluate a permission",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *policy.Engine) error {
			r := ruleFromArgs(args)
			allowed, err := e.Authorize(cmd.Context(), r.Role, r.Zone, r.Resource, r.Operation)
			if err != nil {
				return err
			}
			if allowed {
				fmt.Println("allow")
			} else {
				fmt.Println("deny")
			}
			return nil
		})
	},
}

func init() {
	PolicyCmd.AddCommand(listCmd, addCmd, removeCmd, checkCmd)
}
