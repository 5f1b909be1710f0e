package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"localllm/internal/errs"
	"localllm/internal/httpapi"
	"localllm/internal/tui"
	"localllm/pkg/types"
)

func newPullCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download the model artifact through the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controlClient()
			if err != nil {
				return err
			}
			title := "model"
			if st, err := c.Status(cmd.Context()); err == nil {
				title = filepath.Base(st.ActiveModelPath)
			}
			if plain || jsonOutput || !isatty.IsTerminal(os.Stdout.Fd()) {
				return pullPlain(cmd.Context(), c)
			}
			return pullTUI(cmd.Context(), c, title)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Print progress lines instead of the interactive view")
	return cmd
}

func pullTUI(ctx context.Context, c *httpapi.Client, title string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(tui.NewPull(title))
	done := make(chan error, 1)
	go func() {
		err := c.Download(ctx, func(ev types.DownloadEvent) { p.Send(tui.EventMsg(ev)) })
		if err != nil && errs.KindOf(err) == errs.KindNetwork && ctx.Err() == nil {
			p.Send(tui.StreamErrMsg{Err: err})
		}
		done <- err
	}()
	final, err := p.Run()
	// quitting the view closes the socket, which cancels the download
	cancel()
	dlErr := <-done
	if err != nil {
		return err
	}
	if m, ok := final.(tui.PullModel); ok {
		if outcome, _ := m.Outcome(); outcome == "" {
			return errs.E(errs.KindCancelled, "pull", errors.New("interrupted"))
		}
	}
	return dlErr
}

func pullPlain(ctx context.Context, c *httpapi.Client) error {
	last := -1
	return c.Download(ctx, func(ev types.DownloadEvent) {
		if jsonOutput {
			_ = printJSON(ev)
			return
		}
		switch ev.Type {
		case "progress":
			if ev.Progress != nil && int(ev.Progress.Percent) != last {
				last = int(ev.Progress.Percent)
				fmt.Printf("%3d%%  %s\n", last, tui.Bytes(*ev.Progress))
			}
		case "done":
			fmt.Printf("downloaded %s\n", ev.Path)
		case "cancelled":
			fmt.Println("cancelled")
		case "error":
			fmt.Fprintf(os.Stderr, "failed: %s\n", ev.Error)
		}
	})
}
