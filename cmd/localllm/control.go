package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/spf13/cobra"

	"localllm/pkg/types"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, model and server state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st types.StatusResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	fmt.Fprintf(w, "model\t%s\n", st.ActiveModelPath)
	if st.OverridePath != "" {
		fmt.Fprintf(w, "default model\t%s\n", st.DefaultPath)
	}
	fmt.Fprintf(w, "downloaded\t%v\n", st.ModelDownloaded)
	fmt.Fprintf(w, "download\t%s\n", st.Download.State)
	if st.Download.Reason != "" {
		fmt.Fprintf(w, "download reason\t%s\n", st.Download.Reason)
	}
	fmt.Fprintf(w, "server\t%s\n", st.Server.State)
	if st.Server.Endpoint != "" {
		fmt.Fprintf(w, "endpoint\t%s\n", st.Server.Endpoint)
		fmt.Fprintf(w, "pid\t%d\n", st.Server.PID)
		fmt.Fprintf(w, "up since\t%s\n", time.Unix(st.Server.StartedAt, 0).Format(time.RFC3339))
	}
	fmt.Fprintf(w, "daemon uptime\t%s\n", time.Duration(st.UptimeSeconds)*time.Second)
	_ = w.Flush()
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the inference server on the active model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient()
			if err != nil {
				return err
			}
			ep, err := c.StartServer(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(types.StartServerResponse{Endpoint: ep})
			}
			fmt.Println(ep)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the inference server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient()
			if err != nil {
				return err
			}
			return c.StopServer(cmd.Context())
		},
	}
}

func newUseCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "use [path]",
		Short: "Point the daemon at a custom model file (stops a running server)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) != reset {
				return fmt.Errorf("give a path or --reset")
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			c, err := controlClient()
			if err != nil {
				return err
			}
			info, err := c.SetModelPath(cmd.Context(), path)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(info)
			}
			fmt.Printf("active model: %s (downloaded: %v)\n", info.ActivePath, info.Downloaded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Revert to the default model location")
	return cmd
}

func newModelsCmd() *cobra.Command {
	var withOllama bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model artifacts in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient()
			if err != nil {
				return err
			}
			local, err := c.LocalModels(cmd.Context())
			if err != nil {
				return err
			}
			var names []string
			if withOllama {
				if names, err = c.OllamaModels(cmd.Context()); err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(map[string]any{"local": local, "ollama": names})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tPATH")
			for _, m := range local {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, bytesize.New(float64(m.SizeBytes)), m.Path)
			}
			for _, n := range names {
				fmt.Fprintf(w, "%s\t-\tollama\n", n)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&withOllama, "ollama", false, "Also list models pulled into a local Ollama")
	return cmd
}
