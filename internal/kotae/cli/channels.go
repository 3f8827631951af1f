package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kotae/internal/kotae/app"
	"github.com/bdobrica/Kotae/internal/kotae/config"
)

// The running bot picks up these edits through its config watcher.
func newChannelsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Aliases: []string{"rooms"},
		Short:   "Manage the conversations Kotae may answer in",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List selected conversations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Read(opts.path())
				if err != nil {
					return err
				}
				if len(cfg.SelectedChannels) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no conversations selected")
					return nil
				}
				for _, id := range cfg.SelectedChannels {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <room-id>...",
			Short: "Select conversations",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, id := range args {
					if err := app.SelectChannel(opts.path(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "selected %s\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:     "remove <room-id>...",
			Aliases: []string{"rm"},
			Short:   "Deselect conversations",
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, id := range args {
					if err := app.DeselectChannel(opts.path(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deselected %s\n", id)
				}
				return nil
			},
		},
	)
	return cmd
}
