package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 123, time.UTC)
	c, err := Decode(Encode(at, "trd_abc"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.At.Equal(at))
	assert.Equal(t, "trd_abc", c.ID)

	// IDs may themselves contain the separator.
	c, err = Decode(Encode(at, "a|b"))
	require.NoError(t, err)
	assert.Equal(t, "a|b", c.ID)
}

func TestDecode_FirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString
	for name, s := range map[string]string{
		"not base64":   "%%%",
		"no separator": enc([]byte("12345")),
		"empty id":     enc([]byte("12345|")),
		"bad time":     enc([]byte("soon|trd_1")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(s)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	items, next := Page([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next, "exactly limit items means no further page")

	items, next = Page([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)

	items, next = Page([]string{"a", "b"}, 0, key)
	assert.Len(t, items, 2)
	assert.Empty(t, next)
}
