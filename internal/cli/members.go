package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"clusterd/internal/app"
	"clusterd/internal/config"

	"github.com/spf13/cobra"
)

var errProcessLocal = errors.New("the memory driver is process-local; point --config at a shared backend")

func requireSharedBackend(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Coordination.Driver)) {
	case "", "memory", "mem":
		return errProcessLocal
	}
	return nil
}

func newMembersCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Join as an observer and list cluster members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := requireSharedBackend(cfg); err != nil {
				return err
			}
			members, err := app.ListMembers(cmd.Context(), cfg, app.Options{}, opts.log)
			if err != nil {
				return fmt.Errorf("list members: %w", err)
			}
			sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(members)
			}
			if len(members) == 0 {
				fmt.Fprintln(out, "No members found.")
				return nil
			}
			fmt.Fprintf(out, "%-38s  %-22s  %s\n", "ID", "ADDR", "META")
			for _, m := range members {
				meta := make([]string, 0, len(m.Meta))
				for k, v := range m.Meta {
					meta = append(meta, k+"="+v)
				}
				sort.Strings(meta)
				fmt.Fprintf(out, "%-38s  %-22s  %s\n", m.ID, m.Addr, strings.Join(meta, ","))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
