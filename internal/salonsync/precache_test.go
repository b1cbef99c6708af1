package salonsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecacheInstallsAssetsFromManifest(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/offline.html", 200, "offline")
	origin.set("/", 200, "index")
	origin.set("/asset-manifest.json", 200, `{
		"files": {
			"main.js": "/static/js/main.1a2b.js",
			"main.js.map": "/static/js/main.1a2b.js.map",
			"main.css": "http://app.local/static/css/main.9f.css"
		},
		"entrypoints": ["static/js/main.1a2b.js", "static/css/main.9f.css"]
	}`)
	origin.set("/static/js/main.1a2b.js", 200, "js")
	origin.set("/static/css/main.9f.css", 200, "css")
	i := newTestInterceptor(t, origin)

	n, err := i.Precache(context.Background(), PrecacheSources{
		OfflinePage: "/offline.html",
		Assets:      []string{"/", "/offline.html"},
		Manifest:    "/asset-manifest.json",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	keys, err := i.cache.Keys()
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{
		"GET http://app.local/",
		"GET http://app.local/offline.html",
		"GET http://app.local/static/css/main.9f.css",
		"GET http://app.local/static/js/main.1a2b.js",
	}, keys)
	assert.Zero(t, origin.count("GET", "/static/js/main.1a2b.js.map"))

	// Precached entries are served cache-first by the interceptor.
	origin.setOffline(true)
	resp, body, err := get(t, i, testOrigin+"/static/js/main.1a2b.js")
	require.NoError(t, err)
	assert.Equal(t, markHit, resp.Header.Get(HeaderMark))
	assert.Equal(t, "js", body)
}

func TestPrecacheIsAllOrNothing(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/offline.html", 200, "offline")
	origin.set("/a.css", 200, "a")
	// /b.css is missing and answers 404.
	i := newTestInterceptor(t, origin)

	_, err := i.Precache(context.Background(), PrecacheSources{OfflinePage: "/offline.html", Assets: []string{"/a.css", "/b.css"}})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStatus))

	_, ok := i.cache.Match(i.originKey("/a.css"))
	assert.False(t, ok)
	_, ok = i.cache.Match(i.originKey("/offline.html"))
	assert.True(t, ok)
}

func TestPrecacheFailsWithoutOfflinePage(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/a.css", 200, "a")
	i := newTestInterceptor(t, origin)

	_, err := i.Precache(context.Background(), PrecacheSources{OfflinePage: "/offline.html", Assets: []string{"/a.css"}})
	require.Error(t, err)
	keys, err := i.cache.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func gzipString(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestPrecacheWalksSitemaps(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/sitemap.xml", 200, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://app.local/sitemap-pages.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	origin.set("/sitemap-pages.xml.gz", 200, gzipString(t, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> http://app.local/services </loc></url>
  <url><loc>http://app.local/stylists?city=cluj</loc></url>
  <url><loc>http://app.local/admin/reports</loc></url>
</urlset>`))
	origin.set("/services", 200, "services")
	origin.set("/stylists", 200, "stylists")
	i := newTestInterceptor(t, origin, mustRule(t, "PathPrefix(/admin)", PolicyBypass))

	n, err := i.Precache(context.Background(), PrecacheSources{Sitemaps: []string{"/sitemap.xml"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, origin.count("GET", "/sitemap.xml"))
	assert.Zero(t, origin.count("GET", "/admin/reports"))

	_, ok := i.cache.Match("GET " + testOrigin + "/stylists?city=cluj")
	assert.True(t, ok)
}

func TestNormalizePaths(t *testing.T) {
	got := normalizePaths([]string{
		"https://app.local/static/x.js",
		"static/x.js",
		" /b ",
		"",
		"https://app.local",
		"/search?q=tuns",
	})
	assert.Equal(t, []string{"/", "/b", "/search?q=tuns", "/static/x.js"}, got)
}
