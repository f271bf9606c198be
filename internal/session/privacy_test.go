package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivacyFilter_IsHidden(t *testing.T) {
	tests := []struct {
		name   string
		filter PrivacyFilter
		key    string
		want   bool
	}{
		{"empty filter hides nothing", PrivacyFilter{}, "api_token", false},
		{"glob match", PrivacyFilter{HiddenContextKeys: []string{"*token*"}}, "api_token", true},
		{"glob no match", PrivacyFilter{HiddenContextKeys: []string{"*token*"}}, "city", false},
		{"exact match", PrivacyFilter{HiddenContextKeys: []string{"password"}}, "password", true},
		{"multiple patterns", PrivacyFilter{HiddenContextKeys: []string{"secret_*", "*key"}}, "openai_key", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.IsHidden(tt.key))
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	orig := Info{
		ID:      "6f1c2a9e-1111-2222-3333-444455556666",
		Context: map[string]string{"city": "Paris", "api_token": "s3cret"},
	}

	f := PrivacyFilter{MaskSessionIDs: true, MaskContextValues: true, HiddenContextKeys: []string{"*token*"}}
	got := f.Apply(orig)

	assert.Len(t, got.ID, 12)
	assert.NotEqual(t, orig.ID, got.ID)
	assert.Equal(t, map[string]string{"city": "***"}, got.Context)

	// The original snapshot is untouched.
	assert.Equal(t, "Paris", orig.Context["city"])
	assert.Equal(t, "s3cret", orig.Context["api_token"])
}

func TestPrivacyFilter_ApplyStableHash(t *testing.T) {
	f := PrivacyFilter{MaskSessionIDs: true}
	a := f.Apply(Info{ID: "abc"})
	b := f.Apply(Info{ID: "abc"})
	assert.Equal(t, a.ID, b.ID)
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	f := PrivacyFilter{HiddenContextKeys: []string{"k"}}
	infos := []Info{
		{ID: "a", Context: map[string]string{"k": "1"}},
		{ID: "b"},
	}
	got := f.FilterSlice(infos)
	assert.Len(t, got, 2)
	assert.Empty(t, got[0].Context)
	assert.Equal(t, "1", infos[0].Context["k"])
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	assert.True(t, (&PrivacyFilter{}).IsNoop())
	assert.False(t, (&PrivacyFilter{MaskSessionIDs: true}).IsNoop())
	assert.False(t, (&PrivacyFilter{HiddenContextKeys: []string{"x"}}).IsNoop())
}

func TestPrivacyFilter_MaskIDsMatchesApply(t *testing.T) {
	f := PrivacyFilter{MaskSessionIDs: true}
	masked := f.MaskIDs([]string{"abc"})
	assert.Equal(t, []string{f.Apply(Info{ID: "abc"}).ID}, masked)

	plain := PrivacyFilter{}
	assert.Equal(t, []string{"abc"}, plain.MaskIDs([]string{"abc"}))
}
