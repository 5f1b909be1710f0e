package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"localllm/internal/errs"
)

type chatFlags struct {
	endpoint    string
	system      string
	noStream    bool
	maxTokens   int
	temperature float32
}

func newChatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the running inference server (interactive without a prompt)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep := f.endpoint
			if ep == "" {
				c, err := controlClient()
				if err != nil {
					return err
				}
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if st.Server.Endpoint == "" {
					return errs.E(errs.KindNotDownloaded, "chat", errors.New("inference server is not running; run `localllm start` first"))
				}
				ep = st.Server.Endpoint
			}
			s := newChatSession(ep, f)
			if len(args) > 0 {
				return s.ask(cmd.Context(), os.Stdout, strings.Join(args, " "))
			}
			return s.repl(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.endpoint, "endpoint", "", "Inference endpoint (default: ask the daemon)")
	fl.StringVar(&f.system, "system", "", "System prompt")
	fl.BoolVar(&f.noStream, "no-stream", false, "Wait for the full answer instead of streaming")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	fl.Float32Var(&f.temperature, "temperature", 0, "Sampling temperature")
	return cmd
}

// chatSession keeps the conversation history for one CLI invocation.
type chatSession struct {
	client  *openai.Client
	flags   chatFlags
	history []openai.ChatCompletionMessage
}

func newChatSession(endpoint string, f chatFlags) *chatSession {
	config := openai.DefaultConfig("local")
	config.BaseURL = strings.TrimRight(endpoint, "/") + "/v1"
	s := &chatSession{client: openai.NewClientWithConfig(config), flags: f}
	if f.system != "" {
		s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: f.system})
	}
	return s
}

func (s *chatSession) request() openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       "local",
		Messages:    s.history,
		MaxTokens:   s.flags.maxTokens,
		Temperature: s.flags.temperature,
	}
}

// ask sends prompt, writes the answer to out and records both turns.
func (s *chatSession) ask(ctx context.Context, out io.Writer, prompt string) error {
	s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	var answer string
	var err error
	if s.flags.noStream {
		answer, err = s.complete(ctx, out)
	} else {
		answer, err = s.stream(ctx, out)
	}
	if err != nil {
		s.history = s.history[:len(s.history)-1]
		return err
	}
	s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	return nil
}

func (s *chatSession) complete(ctx context.Context, out io.Writer) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, s.request())
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices")
	}
	answer := resp.Choices[0].Message.Content
	fmt.Fprintln(out, answer)
	return answer, nil
}

func (s *chatSession) stream(ctx context.Context, out io.Writer) (string, error) {
	req := s.request()
	req.Stream = true
	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()
	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		// the server ends the stream by closing it, without a [DONE] frame
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("chat stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		d := chunk.Choices[0].Delta.Content
		b.WriteString(d)
		fmt.Fprint(out, d)
	}
	fmt.Fprintln(out)
	return b.String(), nil
}

func (s *chatSession) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			s.history = s.history[:0]
			if s.flags.system != "" {
				s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.flags.system})
			}
			continue
		}
		if err := s.ask(ctx, out, line); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}
