package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"localllm/pkg/types"
)

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *types.Usage   `json:"usage,omitempty"`
}

// Complete runs a chat completion against the subprocess, always streaming
// upstream, and calls onDelta for each content fragment. An error returned
// by onDelta aborts the request and is returned as is.
func (p *Process) Complete(ctx context.Context, req types.ChatCompletionRequest, onDelta func(string) error) (types.CompletionResult, error) {
	var final types.CompletionResult
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return final, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return final, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := p.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		return final, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return final, fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg streamChunk
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				p.log.Debug().Str("event", "unknown_stream_line").Str("line", l).Msg("skipping")
			} else {
				if msg.Usage != nil {
					final.Usage = *msg.Usage
				}
				if len(msg.Choices) > 0 {
					if frag := msg.Choices[0].Delta.Content; frag != "" {
						if cbErr := onDelta(frag); cbErr != nil {
							return final, cbErr
						}
					}
					if fr := msg.Choices[0].FinishReason; fr != nil && *fr != "" {
						final.FinishReason = *fr
					}
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			return final, rerr
		}
	}
	if final.FinishReason == "" {
		final.FinishReason = "stop"
	}
	return final, nil
}
