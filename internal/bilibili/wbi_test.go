package bilibili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = Keys{
	Img: "7cd084941338484aae1ad9425b84077c",
	Sub: "4932caff0ff746eab6f01bf08b70ac45",
}

func TestMixinKey(t *testing.T) {
	key, err := MixinKey(testKeys)
	require.NoError(t, err)
	assert.Equal(t, "ea1db124af3c7062474693fa704f4ff8", key)

	_, err = MixinKey(Keys{Img: "short", Sub: "keys"})
	assert.Error(t, err)
}

func TestSignKnownVector(t *testing.T) {
	params := url.Values{}
	params.Set("foo", "114")
	params.Set("bar", "514")
	params.Set("zab", "1919810")

	signed, err := Sign(params, testKeys, time.Unix(1702204169, 0))
	require.NoError(t, err)
	assert.Equal(t, "bar=514&foo=114&wts=1702204169&zab=1919810&w_rid=8f6f2b5b3d485fe1886cec6a0be8c5d4", signed)
}

func TestSignIsDeterministic(t *testing.T) {
	params := url.Values{}
	params.Set("cid", "42")
	params.Set("bvid", "BV1xx")
	params.Set("fnval", "16")
	frozen := time.Unix(1700000000, 0)

	first, err := Sign(params, testKeys, frozen)
	require.NoError(t, err)
	second, err := Sign(params, testKeys, frozen)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "bvid=BV1xx&cid=42&fnval=16&wts=1700000000&w_rid=78e1ae1f9125bd139c9856a9f778179c", first)
	assert.Equal(t, "42", params.Get("cid"), "input params must not be mutated")
	assert.Empty(t, params.Get("wts"))
}

func TestSignStripsFilteredCharactersAndEncodesSpaces(t *testing.T) {
	params := url.Values{}
	params.Set("keyword", "a (b)!*'")

	signed, err := Sign(params, testKeys, time.Unix(1700000000, 0))
	require.NoError(t, err)

	query := "keyword=a%20b&wts=1700000000"
	sum := md5.Sum([]byte(query + "ea1db124af3c7062474693fa704f4ff8"))
	assert.Equal(t, query+"&w_rid="+hex.EncodeToString(sum[:]), signed)
	assert.Equal(t, "keyword=a%20b&wts=1700000000&w_rid=12674806e1cbb008d87410807d50b8eb", signed)
}

func TestSigningKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x/web-interface/nav", r.URL.Path)
		cookie, err := r.Cookie("SESSDATA")
		if err != nil || cookie.Value != "good" {
			w.Write([]byte(`{"code":-101,"message":"账号未登录","data":{"isLogin":false,"wbi_img":{"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png","sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`))
			return
		}
		w.Write([]byte(`{"code":0,"message":"0","data":{"isLogin":true,"wbi_img":{"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png","sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`))
	}))
	defer srv.Close()

	t.Run("valid credential", func(t *testing.T) {
		c := NewClient(Config{APIBaseURL: srv.URL, SessData: "good"})
		keys, err := c.SigningKeys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testKeys, keys)
	})

	t.Run("expired credential", func(t *testing.T) {
		c := NewClient(Config{APIBaseURL: srv.URL, SessData: "expired"})
		_, err := c.SigningKeys(context.Background())
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("missing credential", func(t *testing.T) {
		c := NewClient(Config{APIBaseURL: srv.URL})
		_, err := c.SigningKeys(context.Background())
		assert.ErrorIs(t, err, ErrAuth)
	})
}

func TestKeyFromURL(t *testing.T) {
	assert.Equal(t, "abc", keyFromURL("https://i0.hdslb.com/bfs/wbi/abc.png"))
	assert.Equal(t, "abc", keyFromURL("abc"))
	assert.Empty(t, keyFromURL(""))
}
