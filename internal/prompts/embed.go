// Package prompts provides the per-role worker system prompts with override support.
package prompts

import "embed"

//go:embed roles/*.md
var embeddedFS embed.FS
