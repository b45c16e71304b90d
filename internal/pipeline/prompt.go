package pipeline

import (
	"fmt"
	"strings"

	"github.com/watzon/herald/internal/enrich"
	"github.com/watzon/herald/internal/retrieval"
)

const (
	// GeneralChannel is the key used when a request names no channels.
	GeneralChannel = "general"

	contextHeader   = "RELEVANT CONTEXT FROM KNOWLEDGE BASE:"
	snippetChars    = 500
	keywordQueryMax = 100
	keywordLimit    = 10
	mediaPromptMax  = 200
)

var channelGuidelines = map[string]string{
	"linkedin":  "LinkedIn: Professional tone, 150-300 words, focus on business value and thought leadership, use industry insights, include a call-to-action and 3-5 relevant hashtags. Avoid emojis except sparingly.",
	"twitter":   "Twitter/X: Concise and engaging, 280 characters max, use 2-3 relevant hashtags, conversational tone, can include emojis.",
	"facebook":  "Facebook: Conversational and friendly, 100-250 words, encourage engagement with a question, can use emojis, include a clear call-to-action.",
	"instagram": "Instagram: Visual-first thinking, 125-220 words, use emojis, include 5-10 relevant hashtags, focus on storytelling and visual appeal.",
	"tiktok":    "TikTok: Short, punchy and entertaining, 50-150 words, open with a hook, use trend-aware language, focus on quick value.",
}

const generalGuideline = "General: A versatile social media post of 100-200 words with a clear call-to-action."

// Guideline returns the text constraints for channel.
func Guideline(channel string) string {
	if g, ok := channelGuidelines[strings.ToLower(channel)]; ok {
		return g
	}
	return generalGuideline
}

// SystemInstruction builds the instruction that frames every generation call.
func SystemInstruction(brand Brand) string {
	voice := brand.Voice
	if voice == "" {
		voice = "professional"
	}

	var b strings.Builder
	b.WriteString("You are a Digital Marketing Assistant. Your job is to create engaging, platform-appropriate social media content.\n\n")
	b.WriteString("Brand Guidelines:\n")
	fmt.Fprintf(&b, "- Voice & Tone: %s\n", voice)
	fmt.Fprintf(&b, "- Target Audience: %s\n", brand.TargetAudience)
	fmt.Fprintf(&b, "- Products/Services: %s\n", brand.Offerings)
	if brand.Website != "" {
		fmt.Fprintf(&b, "- Website: %s\n", brand.Website)
	}
	b.WriteString("\nIMPORTANT: Generate ONE single, final post that is ready to publish immediately. ")
	b.WriteString("Do NOT provide multiple options, variations, or alternatives. ")
	b.WriteString(`Do NOT include labels like "Option 1", "Headline:", "Body:" or "Call to Action:". `)
	b.WriteString("Do not explain your process. Return only the final, ready-to-post content.")
	return b.String()
}

// FormatContext renders retrieved snippets as a prompt block, each cut to
// maxChars runes. It returns "" when there is nothing to show.
func FormatContext(snippets []retrieval.Snippet, maxChars int) string {
	if len(snippets) == 0 {
		return ""
	}
	if maxChars <= 0 {
		maxChars = snippetChars
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	for i, s := range snippets {
		source := s.Source
		if source == "" {
			source = s.Title
		}
		fmt.Fprintf(&b, "\n\n[%d] Source: %s\nContent: %s...", i+1, source, truncate(s.Content, maxChars))
	}
	return b.String()
}

// KeywordQuery derives the enrichment query from retrieved context, falling
// back to the request text when nothing was retrieved.
func KeywordQuery(snippets []retrieval.Snippet, request string) string {
	if len(snippets) == 0 {
		return truncate(strings.TrimSpace(request), keywordQueryMax)
	}

	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		parts = append(parts, truncate(s.Content, snippetChars))
	}
	query := truncate(strings.Join(parts, " "), 2*keywordQueryMax)
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return truncate(strings.TrimSpace(request), keywordQueryMax)
	}
	return truncate(query, keywordQueryMax)
}

// UserPrompt assembles the per-channel prompt.
func UserPrompt(req *ContentRequest, context string, keywords *enrich.Result, channel string) string {
	var b strings.Builder
	b.WriteString(req.Request)

	if context != "" {
		b.WriteString("\n\nRelevant Context:\n")
		b.WriteString(context)
	}

	if keywords != nil && len(keywords.Keywords) > 0 {
		top := keywords.Keywords
		if len(top) > keywordLimit {
			top = top[:keywordLimit]
		}
		terms := make([]string, len(top))
		for i, k := range top {
			terms[i] = k.Keyword
		}
		fmt.Fprintf(&b, "\n\nRelevant Keywords: %s", strings.Join(terms, ", "))
		if keywords.Seed != "" {
			fmt.Fprintf(&b, "\nPrimary Topic: %s", keywords.Seed)
		}
	}

	if req.Brand.Website != "" {
		fmt.Fprintf(&b, "\n\nIMPORTANT: Include the website URL (%s) in the content where appropriate, such as in the call-to-action.", req.Brand.Website)
	}

	fmt.Fprintf(&b, "\n\nPlatform Requirements: %s", Guideline(channel))
	return b.String()
}

// MediaPrompt picks the text that seeds image and video generation: the
// first generated post in channel order, or the request itself.
func MediaPrompt(req *ContentRequest, order []string, contents map[string]string) string {
	for _, ch := range order {
		if text := contents[ch]; text != "" {
			return truncate(text, mediaPromptMax)
		}
	}
	return truncate(req.Request, mediaPromptMax)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
