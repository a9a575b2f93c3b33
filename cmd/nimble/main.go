// Command nimble is the client CLI for a nimble agent: it packs a source
// directory, submits it for building and reports build status.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/client"
)

var agentAddr string

var rootCmd = &cobra.Command{
	Use:           "nimble",
	Short:         "Build and ship applications through a nimble agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Pack a source directory and submit it for building",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuild,
}

var statusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Show one build",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List builds, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var (
	buildDetach  bool
	pollInterval time.Duration
	listStatus   string
	listLimit    int
)

func init() {
	defaultAddr := os.Getenv("NIMBLE_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:7080"
	}
	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", defaultAddr, "Agent base URL")

	buildCmd.Flags().BoolVar(&buildDetach, "detach", false, "Return after submission instead of waiting for the build to finish")
	buildCmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Status poll interval while waiting")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Only list builds with this status (queued, building, success, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of builds to list (0 = all)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	var archive bytes.Buffer
	if err := client.PackDir(&archive, dir); err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}

	c := client.NewClient(agentAddr)
	accepted, err := c.SubmitBuild(cmd.Context(), &archive)
	if errors.Is(err, client.ErrQueueFull) {
		return fmt.Errorf("agent is at capacity, try again later")
	}
	if err != nil {
		return err
	}
	fmt.Printf("build %s submitted\n", accepted.BuildID)
	if buildDetach {
		return nil
	}

	done, err := c.WaitForBuild(cmd.Context(), accepted.BuildID, pollInterval)
	if err != nil {
		return err
	}
	printBuild(done)
	if done.Status != build.StatusSuccess {
		return fmt.Errorf("build %s", done.Status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := client.NewClient(agentAddr)
	b, err := c.GetBuild(cmd.Context(), args[0])
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("no build with ID %s", args[0])
	}
	if err != nil {
		return err
	}
	printBuild(b)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var status *build.Status
	if listStatus != "" {
		parsed, err := build.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		status = &parsed
	}

	c := client.NewClient(agentAddr)
	builds, err := c.ListBuilds(cmd.Context(), status, listLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tUPDATED")
	for _, b := range builds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			b.ID, b.Status,
			b.CreatedAt.Local().Format(time.RFC3339),
			b.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func printBuild(b build.Build) {
	fmt.Printf("build:  %s\n", b.ID)
	fmt.Printf("status: %s\n", b.Status)
	if b.ResultRef != "" {
		fmt.Printf("image:  %s\n", b.ResultRef)
	}
	if b.Error != "" {
		fmt.Printf("error:  %s\n", b.Error)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
