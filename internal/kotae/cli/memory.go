package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/memory"
	"github.com/bdobrica/Kotae/internal/kotae/store"
)

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect remembered conversations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List remembered conversations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				mem, closeFn, err := openMemory(cmd, opts)
				if err != nil {
					return err
				}
				defer closeFn()
				for _, id := range mem.Conversations() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, len(mem.History(id)))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <conversation>",
			Short: "Print the remembered messages of a conversation, oldest first",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				mem, closeFn, err := openMemory(cmd, opts)
				if err != nil {
					return err
				}
				defer closeFn()
				h := mem.History(args[0])
				if len(h) == 0 {
					return fmt.Errorf("no messages remembered for %s", args[0])
				}
				for _, e := range h {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n",
						e.Timestamp.Local().Format(time.DateTime), e.Author, e.Content)
				}
				return nil
			},
		},
	)
	return cmd
}

// openMemory loads the configured memory backend. A missing config file
// means defaults and is not created.
func openMemory(cmd *cobra.Command, opts *rootOptions) (*memory.Store, func(), error) {
	cfg, err := config.Read(opts.path())
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	var p memory.Persister = memory.NewFilePersister(cfg.MemoryFile)
	if cfg.MemoryBackend == "sqlite" {
		st, err := store.New(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { st.Close() }
		p = memory.NewSQLitePersister(st.DB())
	}

	mem := memory.New(cfg.MaxSavedMessages, p)
	if err := mem.Load(cmd.Context()); err != nil {
		closeFn()
		return nil, nil, err
	}
	return mem, closeFn, nil
}
