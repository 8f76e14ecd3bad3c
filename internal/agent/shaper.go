package agent

import (
	"strings"

	"github.com/haasonsaas/pilot/pkg/models"
)

const (
	screenshotPointerPrefix = "[Screenshot URL: "
	screenshotRemovedText   = "[Screenshot removed to conserve context]"
)

// ScreenshotPointer formats the text marker that stands in for a demoted
// inline screenshot.
func ScreenshotPointer(url string) string {
	return screenshotPointerPrefix + url + "]"
}

// Shaper holds the context-window policy applied to the accumulated
// conversation before every model call. Its methods are pure: they allocate
// fresh values and never mutate the input, so the same list shaped twice
// yields the same result. This is the only place screenshots are downgraded.
type Shaper struct {
	// MaxInlineScreenshots is how many of the newest screenshots stay
	// inline; older ones are reduced to their signed-URL text pointer.
	MaxInlineScreenshots int

	// KeepThinkingBlocks is how many of the newest reasoning-bearing
	// assistant turns keep their reasoning blocks.
	KeepThinkingBlocks int
}

// Shape applies screenshot demotion then reasoning pruning.
func (s Shaper) Shape(msgs []models.Message) []models.Message {
	return PruneThinking(DemoteScreenshots(msgs, s.MaxInlineScreenshots), s.KeepThinkingBlocks)
}

// DemoteScreenshots walks user messages newest to oldest and keeps inline
// image bytes only in the first keep tool results encountered. Older tool
// results lose their image elements and retain (or gain) a text pointer of
// the form "[Screenshot URL: <url>]". Block order is preserved and no
// message is reordered. The input is not mutated.
func DemoteScreenshots(msgs []models.Message, keep int) []models.Message {
	if keep < 0 {
		keep = 0
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	inline := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != models.RoleUser {
			continue
		}
		var blocks []models.Block
		for j := len(out[i].Blocks) - 1; j >= 0; j-- {
			if !out[i].Blocks[j].HasImage() {
				continue
			}
			inline++
			if inline <= keep {
				continue
			}
			if blocks == nil {
				blocks = out[i].CloneBlocks().Blocks
			}
			blocks[j] = demoteBlock(blocks[j])
		}
		if blocks != nil {
			out[i].Blocks = blocks
		}
	}
	return out
}

// demoteBlock strips the image elements from a tool result. The signed URL
// survives as a text pointer: taken from an existing sibling pointer when one
// is present, minted from the image's URL field otherwise.
func demoteBlock(b models.Block) models.Block {
	content := make([]models.ResultContent, 0, len(b.Content))
	url := ""
	hasPointer := false
	for _, c := range b.Content {
		if c.Type == "image" {
			if url == "" {
				url = c.URL
			}
			continue
		}
		if c.Type == "text" && strings.Contains(c.Text, screenshotPointerPrefix) {
			hasPointer = true
		}
		content = append(content, c)
	}
	if !hasPointer {
		if url != "" {
			content = append(content, models.TextContent(ScreenshotPointer(url)))
		} else {
			content = append(content, models.TextContent(screenshotRemovedText))
		}
	}
	b.Content = content
	return b
}

// PruneThinking keeps reasoning blocks only on the last keepLast
// reasoning-bearing assistant messages, removing them from older ones in
// reverse index order. The input is not mutated.
func PruneThinking(msgs []models.Message, keepLast int) []models.Message {
	if keepLast < 0 {
		keepLast = 0
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	kept := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != models.RoleAssistant || !out[i].HasThinking() {
			continue
		}
		if kept < keepLast {
			kept++
			continue
		}
		blocks := make([]models.Block, 0, len(out[i].Blocks))
		for _, b := range out[i].Blocks {
			if b.Type == models.BlockThinking || b.Type == models.BlockRedactedThinking {
				continue
			}
			blocks = append(blocks, b)
		}
		out[i].Blocks = blocks
	}
	return out
}

// StripInlineImages demotes every tool-result image in the block list,
// regardless of recency. Used to sanitize persisted payloads when full
// payload storage is disabled.
func StripInlineImages(blocks []models.Block) []models.Block {
	out := make([]models.Block, len(blocks))
	copy(out, blocks)
	for i, b := range out {
		if b.HasImage() {
			out[i] = demoteBlock(b)
		}
	}
	return out
}

// InlineImageCount reports how many inline images the conversation carries.
func InlineImageCount(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			for _, c := range b.Content {
				if c.Type == "image" && len(c.Data) > 0 {
					n++
				}
			}
		}
	}
	return n
}
