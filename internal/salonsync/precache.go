package salonsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// buildManifest is the asset manifest emitted by the web client build.
type buildManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// PrecacheSources lists what Precache installs.
type PrecacheSources struct {
	OfflinePage string
	Assets      []string
	// Manifest is the path of a build manifest whose files are added to Assets.
	Manifest string
	// Sitemaps are walked (nested indexes and .gz included) and every page
	// they list that is not bypassed by a rule is added to Assets.
	Sitemaps []string
}

// Precache installs the offline page and the listed assets into the cache.
// The offline page is fetched first and its failure aborts the install. The
// remaining assets are stored all-or-nothing: if any of them fails nothing
// beyond the offline page is written.
func (i *Interceptor) Precache(ctx context.Context, src PrecacheSources) (int, error) {
	stored := 0
	offlinePage := src.OfflinePage
	if offlinePage != "" {
		ent, err := i.precacheFetch(ctx, offlinePage)
		if err != nil {
			return 0, fmt.Errorf("precache offline page: %w", err)
		}
		if err := i.cache.Put(i.originKey(offlinePage), ent); err != nil {
			return 0, err
		}
		stored++
	}

	paths := normalizePaths(src.Assets)
	if src.Manifest != "" {
		fromManifest, err := i.fetchManifest(ctx, src.Manifest)
		if err != nil {
			return stored, fmt.Errorf("precache manifest %q: %w", src.Manifest, err)
		}
		paths = normalizePaths(append(paths, fromManifest...))
	}
	if len(src.Sitemaps) > 0 {
		pages, err := i.discoverSitemaps(ctx, src.Sitemaps)
		if err != nil {
			return stored, err
		}
		paths = normalizePaths(append(paths, pages...))
	}

	entries := make(map[string]CacheEntry, len(paths))
	for _, p := range paths {
		if p == offlinePage {
			continue
		}
		select {
		case <-ctx.Done():
			return stored, ctx.Err()
		default:
		}
		ent, err := i.precacheFetch(ctx, p)
		if err != nil {
			return stored, fmt.Errorf("precache %q: %w", p, err)
		}
		entries[p] = ent
	}
	keyed := make(map[string]CacheEntry, len(entries))
	for p, ent := range entries {
		keyed[i.originKey(p)] = ent
	}
	if err := i.cache.PutAll(keyed); err != nil {
		return stored, err
	}
	return stored + len(keyed), nil
}

func (i *Interceptor) precacheFetch(ctx context.Context, p string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.resolve(p), nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	ent, _, err := i.fetch(req)
	if err != nil {
		return CacheEntry{}, err
	}
	if ent.Status != http.StatusOK {
		return CacheEntry{}, newError("precache "+p, KindStatus, &StatusError{Code: ent.Status})
	}
	return ent, nil
}

func (i *Interceptor) fetchManifest(ctx context.Context, p string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.resolve(p), nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return nil, newError("manifest", KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, newError("manifest", KindStatus, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	var doc buildManifest
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	out := make([]string, 0, len(doc.Files)+len(doc.Entrypoints))
	for _, f := range doc.Files {
		if strings.HasSuffix(f, ".map") {
			continue
		}
		out = append(out, pathFromLoc(f))
	}
	for _, f := range doc.Entrypoints {
		out = append(out, pathFromLoc(f))
	}
	return out, nil
}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemaps walks the sitemaps breadth-first and returns the origin
// paths of the pages they list. Pages matched by a bypass rule are skipped.
func (i *Interceptor) discoverSitemaps(ctx context.Context, sitemaps []string) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, i.resolve(sm))
		}
	}

	var out []string
	for len(queue) > 0 {
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := i.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, i.resolve(nested))
			}
		}
		ignored := 0
		for _, loc := range doc.URLs {
			p := pathFromLoc(loc)
			if p == "" || i.bypassed(p) {
				ignored++
				continue
			}
			out = append(out, p)
		}
		i.log.Debug("sitemap discovered", "sitemap", smURL, "urls", len(doc.URLs), "ignored", ignored)
	}
	return out, nil
}

func (i *Interceptor) bypassed(p string) bool {
	if q := strings.IndexByte(p, '?'); q >= 0 {
		p = p[:q]
	}
	for idx := range i.rules {
		if i.rules[idx].Matches(p) {
			return i.rules[idx].Policy == PolicyBypass
		}
	}
	return false
}

func (i *Interceptor) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return sitemapDoc{}, newError("sitemap", KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, newError("sitemap", KindStatus, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, newError("sitemap", KindNetwork, err)
	}

	// A .gz sitemap may already have been decompressed by the transport.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("decode sitemap: %w", err)
	}
	return doc, nil
}

// resolve turns an origin-relative path (or an absolute url) into an absolute
// url on the origin.
func (i *Interceptor) resolve(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(i.origin.String(), "/") + p
}

func normalizePaths(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = pathFromLoc(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// pathFromLoc reduces an absolute url or a relative location to an origin path
// (with query, if any).
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return u.RequestURI()
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
