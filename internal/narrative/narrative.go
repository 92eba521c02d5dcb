// Package narrative explains a baseline result in plain language.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
)

// Narrator turns a result into explanatory text.
type Narrator interface {
	Narrate(ctx context.Context, siteName string, res *baseline.Result) (string, error)
}

// Summarize is the deterministic explanation used when no language model is
// configured or the model call fails.
func Summarize(siteName string, res *baseline.Result) string {
	best := res.Best
	var b strings.Builder

	if siteName != "" {
		fmt.Fprintf(&b, "%s: ", siteName)
	}
	fmt.Fprintf(&b, "the %s model best explains AC usage against a non-AC baseline of %.1f kWh per period (%s, R²=%.3f).",
		best.Fit.Kind(), res.TargetNonACEnergy, best.Fit.Model.Equation(), best.Fit.RSquared)

	if best.Fit.FellBack() {
		fmt.Fprintf(&b, " It was requested as %s but fell back to %s: %s.", best.Family, best.Fit.Kind(), best.Fit.FallbackReason)
	}

	fmt.Fprintf(&b, " Across %d periods the implied non-AC usage deviates from the target by %.1f kWh on average (RMSE %.1f, worst %.1f).",
		len(best.MonthlyResults), best.MeanDeviation, best.RMSE, best.MaxDeviation)

	if best.IsValid {
		b.WriteString(" Every period has a physically plausible AC share.")
	} else {
		var bad []string
		for _, mr := range best.MonthlyResults {
			if !mr.IsValid {
				bad = append(bad, mr.Date)
			}
		}
		fmt.Fprintf(&b, " No family was plausible for every period; %d period(s) predict AC at or beyond the bill (%s), so treat the target with caution.",
			best.InvalidCount, strings.Join(bad, ", "))
	}

	if len(res.Candidates) > 1 {
		runner := res.Candidates[1]
		fmt.Fprintf(&b, " Runner-up: %s (mean deviation %.1f kWh, %d invalid).", runner.Family, runner.MeanDeviation, runner.InvalidCount)
	}
	for _, ex := range res.Excluded {
		fmt.Fprintf(&b, " %s was excluded: %s.", ex.Family, ex.Reason)
	}
	return b.String()
}

// Static always returns Summarize.
type Static struct{}

func (Static) Narrate(_ context.Context, siteName string, res *baseline.Result) (string, error) {
	return Summarize(siteName, res), nil
}

const systemPrompt = `You are an energy analyst writing for building facility managers.
Explain, in at most four sentences and without markdown, what the supplied baseline analysis says about
the site's air-conditioning load versus its constant non-AC load. Mention the chosen model, how well it fits,
and any billing periods flagged as implausible. Do not invent numbers that are not in the input.`

// OpenAINarrator writes richer explanations with a chat model.
type OpenAINarrator struct {
	client openai.Client
	model  string
}

// NewOpenAINarrator creates a narrator. Extra request options (base URL,
// retries) are passed through to the client.
func NewOpenAINarrator(apiKey, model string, opts ...option.RequestOption) (*OpenAINarrator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAINarrator{client: client, model: model}, nil
}

// Narrate asks the model for an explanation, returning Summarize if the call
// fails or comes back empty.
func (n *OpenAINarrator) Narrate(ctx context.Context, siteName string, res *baseline.Result) (string, error) {
	summary := Summarize(siteName, res)

	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(n.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(summary),
		},
	})
	if err != nil {
		log.Printf("narrative: chat completion failed, using summary: %v", err)
		return summary, nil
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		log.Printf("narrative: empty completion, using summary")
		return summary, nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
