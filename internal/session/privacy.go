package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter masks session snapshots before they leave the process. The
// zero value is a no-op filter.
type PrivacyFilter struct {
	MaskSessionIDs    bool
	MaskContextValues bool
	// HiddenContextKeys are glob patterns (filepath.Match syntax) for
	// context variables dropped from snapshots, e.g. "*token*".
	HiddenContextKeys []string
}

// IsHidden reports whether the context variable name matches a hidden
// pattern.
func (f *PrivacyFilter) IsHidden(name string) bool {
	for _, pattern := range f.HiddenContextKeys {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of info with sensitive fields masked. The original
// is never modified.
func (f *PrivacyFilter) Apply(info Info) Info {
	masked := info.Clone()

	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}

	for name := range masked.Context {
		switch {
		case f.IsHidden(name):
			delete(masked.Context, name)
		case f.MaskContextValues:
			masked.Context[name] = "***"
		}
	}

	return masked
}

// FilterSlice returns masked copies of infos.
func (f *PrivacyFilter) FilterSlice(infos []Info) []Info {
	result := make([]Info, 0, len(infos))
	for _, info := range infos {
		result = append(result, f.Apply(info))
	}
	return result
}

// MaskIDs returns ids as they appear in filtered snapshots.
func (f *PrivacyFilter) MaskIDs(ids []string) []string {
	if !f.MaskSessionIDs || len(ids) == 0 {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortHash(id)
	}
	return out
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskSessionIDs && !f.MaskContextValues && len(f.HiddenContextKeys) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
