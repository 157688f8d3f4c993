package urlpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://CDN.Example.com:443/p/1.jpg#zoom", "https://cdn.example.com/p/1.jpg"},
		{"http://cdn.example.com:80/p/1.jpg?w=800&a=1", "http://cdn.example.com/p/1.jpg?a=1&w=800"},
		{"http://cdn.example.com:8080/p/1.jpg", "http://cdn.example.com:8080/p/1.jpg"},
		{"  https://cdn.example.com/P/1.JPG ", "https://cdn.example.com/P/1.JPG"},
	}
	for _, tt := range tests {
		got, err := Canonical(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"ftp://example.com/a.jpg", "/relative/a.jpg", "https://%zz"} {
		_, err := Canonical(bad)
		assert.Error(t, err, bad)
	}
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	m := NewMatcher([]string{"Maps.Example.com", "*.tracker.net", ".ads.io", "  "})
	require.NotNil(t, m)
	assert.True(t, m.Match("maps.example.com"))
	assert.False(t, m.Match("example.com"))
	assert.True(t, m.Match("tracker.net"))
	assert.True(t, m.Match("px.tracker.net"))
	assert.False(t, m.Match("nottracker.net"))
	assert.True(t, m.Match("a.b.ads.io"))
	assert.False(t, m.Match(""))

	assert.Nil(t, NewMatcher([]string{"", " "}))
	var none *Matcher
	assert.False(t, none.Match("example.com"))
}

func TestPolicyAdmit(t *testing.T) {
	t.Parallel()

	p := New([]string{"*.county.example"}, []string{"pixel.county.example"})

	got, ok := p.Admit("https://CDN.county.example/a.jpg#x")
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.county.example/a.jpg", got)

	_, ok = p.Admit("https://pixel.county.example/p.gif")
	assert.False(t, ok, "blocked host")
	_, ok = p.Admit("https://elsewhere.example/a.jpg")
	assert.False(t, ok, "outside allow list")
	_, ok = p.Admit("data:image/png;base64,AAAA")
	assert.False(t, ok)

	open := New(nil, nil)
	_, ok = open.Admit("https://anything.example/a.jpg")
	assert.True(t, ok)
}
