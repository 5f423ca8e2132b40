package cmd

import (
	"log"

	"github.com/roboticgit/Supervisors-Assistant/assistant"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, reminder timers and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := assistant.New(cfg)
			if err != nil {
				log.Fatalf("error creating assistant: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running assistant: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
