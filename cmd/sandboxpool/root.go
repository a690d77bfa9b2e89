package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> config key
var boundFlags = map[string]string{
	"max-concurrent-test-runners": "runner.max_concurrent_test_runners",
	"transpiler":                  "runner.transpilers",
	"backend":                     "sandbox.backend",
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "sandboxpool",
		Short: "Bounded pool of test runner sandboxes",
		Long: `sandboxpool creates one sandbox per concurrency slot for a parallel
test runner and tears all of them down together.

The number of sandboxes is the smaller of --max-concurrent-test-runners and
the CPU count, minus one CPU when a transpiler is configured, and never
less than one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				viper.SetConfigFile(configFile)
			}
			for name, key := range boundFlags {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
	flags.Int("max-concurrent-test-runners", 0, "upper bound on concurrent sandboxes, 0 means one per CPU")
	flags.StringArray("transpiler", nil, "transpiler that runs alongside the tests (repeatable)")
	flags.String("backend", "local", "sandbox backend: local, docker or podman")

	cmd.AddCommand(newServeCmd(), newWarmCmd(), newLimitCmd())
	return cmd
}
