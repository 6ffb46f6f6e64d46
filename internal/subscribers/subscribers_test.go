package subscribers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		want    string
		wantErr bool
	}{
		{name: "simple", email: "taro@example.com", want: "taro@example.com"},
		{name: "trims and lowercases", email: "  Taro@Example.COM ", want: "taro@example.com"},
		{name: "plus addressing", email: "taro+bid@example.com", want: "taro+bid@example.com"},
		{name: "empty", email: "", wantErr: true},
		{name: "missing at", email: "taro.example.com", wantErr: true},
		{name: "missing tld dot", email: "taro@example", wantErr: true},
		{name: "embedded space", email: "ta ro@example.com", wantErr: true},
		{name: "double at", email: "taro@@example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateStatus(t *testing.T) {
	got, err := ValidateStatus(" Active ")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got)

	_, err = ValidateStatus("deleted")
	assert.Error(t, err)
	_, err = ValidateStatus("")
	assert.Error(t, err)
}

func TestParseKeywordSets(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty means all", raw: "", want: []string{"all"}},
		{name: "only separators means all", raw: " , ,", want: []string{"all"}},
		{name: "splits and trims", raw: "it, grants ,it", want: []string{"it", "grants"}},
		{name: "single", raw: "it", want: []string{"it"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseKeywordSets(tt.raw))
		})
	}
}

func TestKeywordSetsJSONRoundTrip(t *testing.T) {
	encoded := KeywordSetsToJSON([]string{"it", "grants"})
	assert.Equal(t, `["it","grants"]`, encoded)
	assert.Equal(t, []string{"it", "grants"}, KeywordSetsFromJSON(encoded))

	// Stored garbage degrades to the permissive default.
	assert.Equal(t, []string{"all"}, KeywordSetsFromJSON("not json"))
	assert.Equal(t, []string{"all"}, KeywordSetsFromJSON(`"all"`))
	assert.Equal(t, []string{"all"}, KeywordSetsFromJSON(`[]`))
	assert.Equal(t, []string{"all"}, KeywordSetsFromJSON(`["", "  "]`))
}

func TestBuildInput(t *testing.T) {
	in, err := BuildInput(" Taro@Example.com ", "active", "", "it,grants")
	require.NoError(t, err)
	assert.Equal(t, "Taro@Example.com", in.Email)
	assert.Equal(t, "taro@example.com", in.EmailNorm)
	assert.Equal(t, StatusActive, in.Status)
	assert.Equal(t, "manual", in.Plan, "plan defaults when blank")
	assert.Equal(t, []string{"it", "grants"}, in.KeywordSets)

	_, err = BuildInput("bad-email", "active", "manual", "")
	assert.Error(t, err)
	_, err = BuildInput("taro@example.com", "gone", "manual", "")
	assert.Error(t, err)
}
