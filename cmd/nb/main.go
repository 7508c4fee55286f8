package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "nb <repo> [gc|<backup-id> [<path>]]",
		Short:   "Incremental, content-addressed filesystem backup",
		Version: version + " (" + commit + ")",
		Args:    cobra.RangeArgs(1, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			return dispatch(args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&hashCacheFile, "cache-file", "", "path to hash cache file (enables caching across runs)")

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("nb: " + err.Error() + "\n")
		return 1
	}
	return 0
}
