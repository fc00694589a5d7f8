package fetch

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Name fragments that mark an image as page furniture rather than content.
var excludeFragments = []string{
	"pixel", "tracker", "tracking", "beacon", "spacer", "blank", "1x1",
	"icon", "favicon", "logo", "avatar", "sprite", "badge", "button",
	"emoji", "share", "facebook", "twitter", "whatsapp", "telegram",
	"linkedin", "weibo", "wechat", "qrcode", "banner", "advert", "/ads/",
}

// Name fragments that suggest the image carries financial data.
var promoteFragments = []string{
	"chart", "graph", "table", "financial", "report", "data",
	"diagram", "figure", "plot", "candlestick", "kline",
}

// ExtractImageURLs pulls candidate content images out of raw article HTML.
// Tracking pixels, icons, and social widgets are excluded; images whose
// names suggest charts or tables are promoted to the front. Relative URLs
// resolve against baseURL. At most max URLs are returned.
func ExtractImageURLs(rawHTML, baseURL string, max int) []string {
	if max <= 0 || rawHTML == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	base, _ := url.Parse(baseURL)

	var promoted, regular []string
	seen := make(map[string]struct{})

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || src == "" {
			// Lazy-loaded images park the real URL in data-src.
			src, _ = img.Attr("data-src")
		}
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}

		if tiny(img) {
			return
		}

		resolved := resolve(base, src)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}

		lower := strings.ToLower(resolved)
		for _, frag := range excludeFragments {
			if strings.Contains(lower, frag) {
				return
			}
		}

		seen[resolved] = struct{}{}
		for _, frag := range promoteFragments {
			if strings.Contains(lower, frag) {
				promoted = append(promoted, resolved)
				return
			}
		}
		regular = append(regular, resolved)
	})

	out := append(promoted, regular...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// tiny reports whether declared dimensions mark the image as a pixel or icon.
func tiny(img *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v, ok := img.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px")); err == nil && n > 0 && n <= 50 {
				return true
			}
		}
	}
	return false
}

func resolve(base *url.URL, src string) string {
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return ""
		}
		return ref.String()
	}
	if base == nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
