package mirror

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleIndex = `<html>
<head><title>Index of /uploads/</title></head>
<body>
<h1>Index of /uploads/</h1><hr><pre><a href="../">../</a>
<a href="docs/">docs/</a>                                              16-Oct-2026 10:11                   -
<a href="a.png">a.png</a>                                              16-Oct-2026 10:11                   5
<a href="my%20file.txt">my file.txt</a>                                15-Oct-2026 09:30               20480
</pre><hr></body>
</html>
`

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseAutoindex(t *testing.T) {
	base := mustURL(t, "http://files.local/uploads/")
	entries, err := ParseAutoindex([]byte(sampleIndex), base)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a.png", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.Equal(t, "http://files.local/uploads/a.png", entries[0].URL)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 11, 0, 0, time.UTC), entries[0].ModTime)

	assert.Equal(t, "my file.txt", entries[1].Name)
	assert.Equal(t, int64(20480), entries[1].Size)
	assert.Equal(t, "http://files.local/uploads/my%20file.txt", entries[1].URL)
}

func TestParseAutoindex_EmptyDirectory(t *testing.T) {
	body := `<html><body><h1>Index of /uploads/</h1><hr><pre><a href="../">../</a>
</pre><hr></body></html>`
	entries, err := ParseAutoindex([]byte(body), mustURL(t, "http://x/uploads/"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseAutoindex_HumanSizesUnsupported(t *testing.T) {
	body := `<html><body><pre><a href="../">../</a>
<a href="big.iso">big.iso</a>                  16-Oct-2026 10:11    1.2G
</pre></body></html>`
	_, err := ParseAutoindex([]byte(body), mustURL(t, "http://x/uploads/"))
	assert.ErrorIs(t, err, ErrUnsupportedListing)
}

func TestParseAutoindex_RejectsJSON(t *testing.T) {
	_, err := ParseAutoindex([]byte(`[{"name":"a.png","type":"file"}]`), mustURL(t, "http://x/uploads/"))
	assert.ErrorIs(t, err, ErrUnsupportedListing)

	_, err = ParseAutoindex([]byte("plain text"), mustURL(t, "http://x/uploads/"))
	assert.ErrorIs(t, err, ErrUnsupportedListing)
}

func TestParseJSONListing(t *testing.T) {
	base := mustURL(t, "http://x/uploads/")

	t.Run("nginx objects", func(t *testing.T) {
		body := `[
			{"name":"sub","type":"directory","mtime":"Fri, 16 Oct 2026 10:11:00 GMT"},
			{"name":"a.png","type":"file","mtime":"Fri, 16 Oct 2026 10:11:00 GMT","size":5}
		]`
		entries, err := ParseJSONListing([]byte(body), base)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a.png", entries[0].Name)
		assert.Equal(t, int64(5), entries[0].Size)
		assert.False(t, entries[0].ModTime.IsZero())
	})

	t.Run("plain names", func(t *testing.T) {
		entries, err := ParseJSONListing([]byte(`["a.png","dir/","b.png"]`), base)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(-1), entries[1].Size)
	})

	t.Run("wrapped", func(t *testing.T) {
		entries, err := ParseJSONListing([]byte(`{"files":["a.png"]}`), base)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "http://x/uploads/a.png", entries[0].URL)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseJSONListing([]byte(`{"nope":1}`), base)
		assert.ErrorIs(t, err, ErrUnsupportedListing)
	})
}
