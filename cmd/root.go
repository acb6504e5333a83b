package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmguney/mux-sweeper/config"
	"github.com/rmguney/mux-sweeper/internal/util"
	"github.com/rmguney/mux-sweeper/internal/version"
)

// NewRootCommand builds the muxsw command tree.
func NewRootCommand() *cobra.Command {
	var (
		verbose bool
		logFile string
	)

	rootCmd := &cobra.Command{
		Use:   "muxsw",
		Short: "Screen and audio recorder",
		Long: `muxsw records video frames, system audio and microphone audio into one
synchronized MP4 or Matroska file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logFile == "" {
				logFile = config.GetLogFile()
			}
			util.InitLogger(verbose, logFile)
			util.SetupGlobalLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = util.CloseLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Info()
				fmt.Fprintf(cmd.OutOrStdout(), "muxsw version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.Flags().Bool("version", false, "Print version information and exit")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

func Execute() error {
	return NewRootCommand().Execute()
}
