// Package agentloop runs a worker task against the Anthropic Messages API with
// a small set of worktree-confined tools.
package agentloop

import (
	"context"
	"errors"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Providers
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// ClientConfig selects and authenticates the model provider.
type ClientConfig struct {
	Provider   string
	APIKey     string
	AWSRegion  string
	AWSProfile string
}

// messagesAPI is the part of the SDK the loop uses.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

func newMessagesAPI(ctx context.Context, cfg ClientConfig) (messagesAPI, error) {
	var opts []option.RequestOption

	switch cfg.Provider {
	case ProviderBedrock:
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	case ProviderAnthropic, "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	default:
		return nil, errors.New("unknown provider " + cfg.Provider)
	}

	client := anthropic.NewClient(opts...)
	return &client.Messages, nil
}

// modelFor resolves a model name for the provider. Bedrock addresses models
// through cross-region inference profiles.
func modelFor(provider, model string) anthropic.Model {
	m := anthropic.Model(model)
	if m == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}
	if provider != ProviderBedrock {
		return m
	}
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if b, ok := bedrockModels[m]; ok {
		return anthropic.Model(b)
	}
	return m
}
