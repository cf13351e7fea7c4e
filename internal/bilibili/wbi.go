package bilibili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Keys are the two rotating WBI key fragments published by the nav endpoint.
type Keys struct {
	Img string
	Sub string
}

// mixinKeyTable permutes img+sub into the mixin key.
var mixinKeyTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const mixinKeyLen = 32

// characters the platform strips from parameter values before hashing
var wbiValueFilter = strings.NewReplacer("!", "", "'", "", "(", "", ")", "", "*", "")

type navData struct {
	WbiImg struct {
		ImgURL string `json:"img_url"`
		SubURL string `json:"sub_url"`
	} `json:"wbi_img"`
}

// SigningKeys derives the WBI keys for the configured session credential.
// The keys rotate on the platform's schedule, so they are not cached here.
func (c *Client) SigningKeys(ctx context.Context) (Keys, error) {
	if c.sessData == "" {
		return Keys{}, fmt.Errorf("signing keys: %w: no session credential configured", ErrAuth)
	}

	var data navData
	err := c.getJSON(ctx, "/x/web-interface/nav", nil, "", true, &data)
	switch {
	case isAPICode(err, -101, -111, -352, -403, http.StatusUnauthorized, http.StatusForbidden):
		return Keys{}, fmt.Errorf("signing keys: %w: %v", ErrAuth, err)
	case err != nil:
		return Keys{}, fmt.Errorf("signing keys: %w", err)
	}

	keys := Keys{
		Img: keyFromURL(data.WbiImg.ImgURL),
		Sub: keyFromURL(data.WbiImg.SubURL),
	}
	if keys.Img == "" || keys.Sub == "" {
		return Keys{}, fmt.Errorf("signing keys: %w: nav response carried no wbi_img", ErrAuth)
	}
	return keys, nil
}

// keyFromURL returns the file-name stem, e.g. ".../7cd0...077c.png" -> "7cd0...077c".
func keyFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	base := path.Base(raw)
	return strings.TrimSuffix(base, path.Ext(base))
}

// MixinKey permutes img+sub through the fixed table and truncates it.
func MixinKey(keys Keys) (string, error) {
	raw := keys.Img + keys.Sub
	if len(raw) < len(mixinKeyTable) {
		return "", errors.New("wbi keys too short")
	}
	var b strings.Builder
	b.Grow(mixinKeyLen)
	for _, idx := range mixinKeyTable[:mixinKeyLen] {
		b.WriteByte(raw[idx])
	}
	return b.String(), nil
}

// Sign returns the canonical query string for params with wts and w_rid
// appended. The result depends only on its inputs. The order is fixed:
// sort names, strip filtered characters from values, encode, then hash the
// query with the mixin key appended.
func Sign(params url.Values, keys Keys, now time.Time) (string, error) {
	mixin, err := MixinKey(keys)
	if err != nil {
		return "", err
	}

	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		if len(v) > 0 {
			merged[k] = v[0]
		}
	}
	merged["wts"] = strconv.FormatInt(now.Unix(), 10)

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, escape(k)+"="+escape(wbiValueFilter.Replace(merged[k])))
	}
	query := strings.Join(parts, "&")

	sum := md5.Sum([]byte(query + mixin))
	return query + "&w_rid=" + hex.EncodeToString(sum[:]), nil
}

// escape matches encodeURIComponent for the characters that matter here.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
