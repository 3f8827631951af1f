// Package cli implements the kotae commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kotae/internal/kotae/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) path() string {
	return config.PathFromEnv(o.configPath)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kotae",
		Short: "Answer Matrix direct and small group chats with a local language model",
		Long: "Kotae relays direct-message and small group-chat messages from a Matrix " +
			"homeserver to a locally hosted chat model and posts the reply back.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		fmt.Sprintf("Config file path (default: $KOTAE_CONFIG or %s)", config.DefaultPath))

	root.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newChannelsCmd(opts),
		newMemoryCmd(opts),
		newVersionCmd(),
	)
	return root
}
