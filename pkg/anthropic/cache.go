package anthropic

// BuildCachedSystemBlocks returns a single system block with a prompt-cache
// breakpoint. Every prompt in a generation wave shares the same system text,
// so the first call writes the cache and the rest read it.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
