package llm

import (
	"context"
	"strings"
)

// NewSummarizer returns a function that sends a single-shot prompt to the
// given model and returns the response text. The compaction layer takes this
// shape so it never depends on the transport directly.
func NewSummarizer(client *Client, model string) func(ctx context.Context, prompt string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := Retry(ctx, DefaultRetryPolicy(), func(ctx context.Context) (*Response, error) {
			return client.Complete(ctx, Request{
				Model:    model,
				Messages: []Message{UserMessage(prompt)},
			})
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Text()), nil
	}
}
