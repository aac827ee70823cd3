package comfy

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func parseRecord(t *testing.T, s string) *HistoryRecord {
	t.Helper()
	require.True(t, gjson.Valid(s))
	return parseHistoryRecord("p", gjson.Parse(s))
}

func TestExtractOutput_SkipsNonOutputEntries(t *testing.T) {
	rec := parseRecord(t, `{"outputs": {
	  "20": {"images": [{"filename": "preview.png", "subfolder": "", "type": "temp"}]},
	  "9":  {"images": [
	    {"filename": "in.png", "type": "input"},
	    {"filename": "", "type": "output"},
	    {"filename": "final.png", "subfolder": "out", "type": "output"},
	    {"filename": "second.png", "type": "output"}
	  ]}
	}}`)

	out, ok := ExtractOutput(rec)
	require.True(t, ok)
	assert.Equal(t, OutputDescriptor{Filename: "final.png", Subfolder: "out", Type: "output"}, out)
}

func TestExtractOutput_MissingTypeCountsAsOutput(t *testing.T) {
	rec := parseRecord(t, `{"outputs": {"9": {"images": [{"filename": "a.png"}]}}}`)

	out, ok := ExtractOutput(rec)
	require.True(t, ok)
	assert.Equal(t, "a.png", out.Filename)
	assert.Equal(t, "", out.Subfolder)
}

func TestExtractOutput_NodeOrderIsEngineOrder(t *testing.T) {
	rec := parseRecord(t, `{"outputs": {
	  "30": {"images": [{"filename": "first.png", "type": "output"}]},
	  "4":  {"images": [{"filename": "second.png", "type": "output"}]}
	}}`)

	out, ok := ExtractOutput(rec)
	require.True(t, ok)
	assert.Equal(t, "first.png", out.Filename)
}

func TestExtractOutput_None(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"no outputs", `{}`},
		{"only temp", `{"outputs": {"1": {"images": [{"filename": "t.png", "type": "temp"}]}}}`},
		{"non image outputs", `{"outputs": {"1": {"text": ["hello"]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ExtractOutput(parseRecord(t, tt.json))
			assert.False(t, ok)
		})
	}

	_, ok := ExtractOutput(nil)
	assert.False(t, ok)
}

func TestHistoryRecord_ErrorMessage(t *testing.T) {
	rec := parseRecord(t, `{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
	  ["execution_start", {"prompt_id": "p"}],
	  ["execution_error", {"prompt_id": "p", "node_id": "3", "exception_message": "CUDA out of memory"}]
	]}}`)

	assert.Equal(t, "CUDA out of memory", rec.ErrorMessage())
	assert.Equal(t, "error", rec.StatusStr)
	assert.False(t, rec.Completed)

	assert.Equal(t, "", parseRecord(t, `{"outputs": {}}`).ErrorMessage())
}

func TestBuildViewURL(t *testing.T) {
	tests := []struct {
		name string
		desc OutputDescriptor
		want string
	}{
		{"no subfolder", OutputDescriptor{Filename: "a.png"}, "http://e/view?filename=a.png"},
		{"subfolder", OutputDescriptor{Filename: "a.png", Subfolder: "2025-03-07"}, "http://e/view?filename=a.png&subfolder=2025-03-07"},
		{"escaping", OutputDescriptor{Filename: "my file&x.png", Subfolder: "a/b"}, "http://e/view?filename=my+file%26x.png&subfolder=a%2Fb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildViewURL("http://e", tt.desc))
		})
	}
}

func TestBuildViewURL_RoundTripsPairs(t *testing.T) {
	pairs := []OutputDescriptor{
		{Filename: "a.png", Subfolder: "b"},
		{Filename: "a.png", Subfolder: "c"},
		{Filename: "a&subfolder=b", Subfolder: "x"},
		{Filename: "a", Subfolder: "b&filename=c"},
	}
	seen := map[string]bool{}
	for _, p := range pairs {
		raw := BuildViewURL("http://e", p)
		assert.False(t, seen[raw], "duplicate URL for %+v", p)
		seen[raw] = true

		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, p.Filename, q.Get("filename"))
		assert.Equal(t, p.Subfolder, q.Get("subfolder"))
	}

	u, err := url.Parse(BuildViewURL("http://e", OutputDescriptor{Filename: "a.png"}))
	require.NoError(t, err)
	_, present := u.Query()["subfolder"]
	assert.False(t, present)
}
