package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hochfrequenz/codi/internal/childagent"
)

const defaultMaxIterations = 50

// Config configures a Runner.
type Config struct {
	Client    ClientConfig
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// Runner implements childagent.TaskRunner on the Messages API.
type Runner struct {
	api       messagesAPI
	provider  string
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ childagent.TaskRunner = (*Runner)(nil)

// New creates a Runner with a real SDK client.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	api, err := newMessagesAPI(ctx, cfg.Client)
	if err != nil {
		return nil, err
	}
	return newRunner(api, cfg), nil
}

func newRunner(api messagesAPI, cfg Config) *Runner {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		api:       api,
		provider:  cfg.Client.Provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

// Run executes the tool loop until the model ends its turn.
func (r *Runner) Run(ctx context.Context, req childagent.TaskRequest) (*childagent.TaskOutcome, error) {
	emit := func(ev childagent.Event) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	model := r.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     modelFor(r.provider, model),
		MaxTokens: r.maxTokens,
		Tools:     ToolDefinitions(),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	executor := newToolExecutor(req.WorkDir)
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Task)),
	}
	outcome := &childagent.TaskOutcome{}

	for outcome.Iterations < maxIter {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.Iterations++
		emit(childagent.Event{Kind: childagent.EventIteration, Iteration: outcome.Iterations})

		params.Messages = messages
		resp, err := r.api.New(ctx, params)
		if err != nil {
			return outcome, fmt.Errorf("API call failed: %w", err)
		}
		outcome.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens
		emit(childagent.Event{Kind: childagent.EventUsage, Tokens: outcome.TokensUsed})

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var text strings.Builder

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(variant.Text)
				emit(childagent.Event{Kind: childagent.EventText, Text: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				outcome.ToolCallCount++
				emit(childagent.Event{Kind: childagent.EventToolCall, Tool: variant.Name, Text: string(variant.Input)})
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				result := r.runTool(ctx, executor, req.Confirm, variant)
				if variant.Name == ToolRunCommand && !result.IsError {
					if url := findPRURL(result.Content); url != "" {
						outcome.PRURL = url
					}
				}
				emit(childagent.Event{Kind: childagent.EventToolResult, Tool: variant.Name, Text: result.Content})
				toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(variant.ID, result.Content, result.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn || len(toolResultBlocks) == 0 {
			outcome.Response = text.String()
			return outcome, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
	}

	return outcome, childagent.ErrMaxIterations
}

func (r *Runner) runTool(ctx context.Context, executor *toolExecutor, confirm childagent.ConfirmFunc, call anthropic.ToolUseBlock) ToolResult {
	if conf := executor.confirmation(call.Name, call.Input); conf != nil && confirm != nil {
		res := confirm(ctx, *conf)
		if !res.Approved() {
			reason := res.Reason
			if reason == "" {
				reason = "denied by user"
			}
			r.logger.Debug("tool denied", "tool", call.Name, "reason", reason)
			return ToolResult{Content: "Permission denied: " + reason, IsError: true}
		}
	}
	return executor.Execute(ctx, call.Name, call.Input)
}
