package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	globalContext context.Context
	globalCancel  context.CancelFunc
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gotx-bank",
		Short:        "Concurrent bank transfers over gotx transactional state",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newRunCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()
		<-sc
		os.Exit(1)
	}()

	if err := newRootCommand().ExecuteContext(globalContext); err != nil {
		os.Exit(1)
	}
}
