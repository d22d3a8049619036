package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		rule string
		rest string
	}{
		{"/analyze top sellers", "analyze", "top sellers"},
		{"/analyze", "analyze", ""},
		{"plain question", "", "plain question"},
		{"/summarize  extra  spaces", "summarize", " extra  spaces"},
		{"/", "", ""},
	}
	for _, c := range cases {
		rule, rest := ParseCommand(c.in)
		assert.Equal(t, c.rule, rule, c.in)
		assert.Equal(t, c.rest, rest, c.in)
	}
}

func TestValidatePlaceholders(t *testing.T) {
	ok := Rule{Name: "r", Prompt: "Now is {current_time}, file {file_path}."}
	require.NoError(t, ok.Validate())

	bad := Rule{Name: "r", Prompt: "Hello {user_name}"}
	require.Error(t, bad.Validate())

	assert.Error(t, (&Rule{Prompt: "x"}).Validate())
	assert.Error(t, (&Rule{Name: "r", Prompt: "   "}).Validate())
}

func TestExpand(t *testing.T) {
	r := Rule{Name: "r", Prompt: "At {current_time} analyze {file_path}."}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	out := r.Expand(now, "/data/sales.csv")
	assert.Equal(t, "At 2026-03-14 09:30:00 UTC analyze /data/sales.csv.", out)
}

func TestStoreLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "analyze.json", `{"name":"analyze","display_name":"Data Analysis","prompt":"Analyze carefully.","tools":["filter_rows"]}`)
	writeRule(t, dir, "broken.json", `{not json`)
	writeRule(t, dir, "disabled.json", `{"name":"off","prompt":"x","enabled":false}`)
	writeRule(t, dir, "badtpl.json", `{"name":"badtpl","prompt":"{nope}"}`)
	writeRule(t, dir, "notes.txt", `ignored`)

	s, err := NewStore(dir)
	require.NoError(t, err)

	r, err := s.Get("analyze")
	require.NoError(t, err)
	assert.Equal(t, "Data Analysis", r.Display())
	assert.Equal(t, []string{"filter_rows"}, r.Tools)

	// Malformed, disabled and invalid files are skipped.
	assert.Equal(t, []string{"analyze"}, s.Names())

	_, err = s.Get("off")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMissingDirIsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, s.Names())
}

func TestStoreReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Empty(t, s.Names())

	writeRule(t, dir, "new.json", `{"name":"new","prompt":"fresh"}`)
	require.NoError(t, s.Reload())

	r, err := s.Get("new")
	require.NoError(t, err)
	assert.Equal(t, "fresh", r.Prompt)
}
