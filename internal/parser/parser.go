// Package parser turns a post's HTML document into a Markdown body.
// Posts come in three recognized shapes: regular articles, image
// galleries whose pictures live in a JS variable or swiper DOM, and a
// fallback for everything else. The parser never fails on malformed
// input; it returns an empty string only when every path yields
// nothing.
package parser

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	xhtml "golang.org/x/net/html"
)

// MinContentLength is the threshold below which extracted content is
// considered unusable and the next strategy is tried.
const MinContentLength = 10

// Content selectors for the article variant, first match wins.
var contentSelectors = []string{
	".rich_media_content",
	"#js_content",
	"#js_image_content",
	".image_content",
	"#js_image_desc",
	".share_notice",
	".swiper_item_img",
	"#img_swiper_content",
	".share_media_swiper_content",
	".img_swiper_area",
	"#js_video_content",
	".video_content",
	".rich_media_video",
	".rich_media_area_primary",
	".rich_media_area_primary_inner",
	"#js_article_content",
	"#js_content_container",
	"#page-content",
	".rich_media_inner",
	".rich_media_wrp",
	"article",
	".article",
	"#article",
}

var (
	// Top-level gallery entries carry a height: 'N' * 1 key right
	// before cdn_url; nested cdn_url keys (watermark_info,
	// share_cover) do not and are skipped on purpose.
	topLevelCDNRe = regexp.MustCompile(`height:\s*'\d+'\s*\*\s*1\s*,\s*cdn_url:\s*(?:JsDecode\(['"]([^'"]+)['"]\)|['"]([^'"]+)['"])`)

	pictureListRe       = regexp.MustCompile(`var\s+picture_page_info_list\s*=\s*(\[[\s\S]*?\])\s*;`)
	pictureListLooseRe  = regexp.MustCompile(`(?s)var\s+picture_page_info_list\s*=\s*(\[.*\])`)
	trailingArrayComma  = regexp.MustCompile(`,\s*\]`)
	trailingObjectComma = regexp.MustCompile(`,\s*\}`)

	jsDecodeRe  = regexp.MustCompile(`JsDecode\(['"]([^'"]+)['"]\)`)
	hexEscapeRe = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)

	// Thumbnail URLs end with a nonzero size segment before the query;
	// originals end with /0?.
	thumbnailRe = regexp.MustCompile(`/[1-9]\d*\?`)

	bgImageRe = regexp.MustCompile(`url\(["']?(https?://mmbiz\.qpic\.cn[^"')\s]+)["']?\)`)
)

// Avatar and icon classes excluded from content-area image extraction.
var excludedImgClasses = []string{
	"wx_follow_avatar_pic",
	"jump_author_avatar",
	"avatar",
	"profile_avatar",
	"icon",
}

// Parser converts post HTML to Markdown. Safe for concurrent use.
type Parser struct {
	logger *zap.Logger
	conv   *converter.Converter
}

// New creates a parser with an image-as-block Markdown converter.
func New(logger *zap.Logger) *Parser {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	conv.Register.RendererFor("img", converter.TagTypeInline, renderBlockImage, converter.PriorityEarly)

	return &Parser{logger: logger, conv: conv}
}

// Parse extracts the Markdown body from a post document. Returns an
// empty string when nothing can be extracted; never errors.
func (p *Parser) Parse(htmlDoc string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlDoc))
	if err != nil {
		p.logger.Warn("failed to parse document", zap.Error(err))
		return ""
	}

	normalizeLazyImages(doc)

	if isGallery(doc) {
		if content := p.extractGallery(doc); nonWhitespaceLen(content) >= MinContentLength {
			return content
		}
	}

	var contentSel *goquery.Selection
	for _, selector := range contentSelectors {
		sel := doc.Find(selector)
		if sel.Length() > 0 {
			contentSel = sel.First()
			break
		}
	}

	content := ""
	if contentSel != nil {
		content = p.convertToMarkdown(contentSel)
		if nonWhitespaceLen(content) < MinContentLength {
			if fb := extractFallback(doc, contentSel); nonWhitespaceLen(fb) > nonWhitespaceLen(content) {
				content = fb
			}
		}
	}

	if nonWhitespaceLen(content) >= MinContentLength {
		return content
	}
	return extractAllText(doc)
}

// convertToMarkdown renders a matched subtree through the converter.
func (p *Parser) convertToMarkdown(sel *goquery.Selection) string {
	subtree, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	out, err := p.conv.ConvertString(subtree)
	if err != nil {
		p.logger.Debug("markdown conversion failed", zap.Error(err))
		return ""
	}
	return out
}

// renderBlockImage renders every image on its own line, preferring the
// lazy-load URL when src is missing. Images nested in inline formatting
// collapse to their alt text unless the inline parent is a section or
// span.
func renderBlockImage(ctx converter.Context, w converter.Writer, node *xhtml.Node) converter.RenderStatus {
	alt := attrOr(node, "alt", "")
	src := attrOr(node, "src", "")
	if src == "" {
		src = attrOr(node, "data-src", "")
	}
	title := attrOr(node, "title", "")

	if inlineSuppressed(node) {
		w.WriteString(alt)
		return converter.RenderSuccess
	}

	titlePart := ""
	if title != "" {
		titlePart = fmt.Sprintf(" %q", title)
	}
	w.WriteString(fmt.Sprintf("\n![%s](%s%s)\n", alt, src, titlePart))
	return converter.RenderSuccess
}

// inlineSuppressed reports whether an image sits inside inline
// formatting where a block image would break the output. Section and
// span ancestors keep their images.
func inlineSuppressed(node *xhtml.Node) bool {
	for parent := node.Parent; parent != nil; parent = parent.Parent {
		if parent.Type != xhtml.ElementNode {
			continue
		}
		switch parent.Data {
		case "section", "span", "div", "body", "html", "figure", "p", "td", "li":
			return false
		case "a", "em", "strong", "b", "i", "code", "sub", "sup":
			return true
		}
	}
	return false
}

func attrOr(node *xhtml.Node, name, fallback string) string {
	for _, attr := range node.Attr {
		if attr.Key == name {
			return attr.Val
		}
	}
	return fallback
}

// normalizeLazyImages copies data-src into src for placeholder images
// so the Markdown conversion sees the real URL.
func normalizeLazyImages(doc *goquery.Document) {
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		dataSrc, _ := img.Attr("data-src")
		if dataSrc == "" {
			return
		}
		if src == "" || strings.Contains(src, "data:image/svg") || strings.Contains(src, "pic_blank") {
			img.SetAttr("src", dataSrc)
		}
	})
}

// isGallery reports whether the document is an image-gallery post.
func isGallery(doc *goquery.Document) bool {
	if bodyClass, ok := doc.Find("body").Attr("class"); ok {
		for _, class := range strings.Fields(bodyClass) {
			if class == "page_share_img" {
				return true
			}
		}
	}
	return doc.Find(".swiper_item, .swiper_item_img, .share_media_swiper").Length() > 0
}

// imageSet collects gallery images with canonical-URL deduplication and
// the thumbnail filter.
type imageSet struct {
	seen   map[uint64]struct{}
	blocks []string
}

func newImageSet() *imageSet {
	return &imageSet{seen: make(map[uint64]struct{})}
}

// add canonicalizes and records one image URL. Thumbnails and
// placeholders are skipped, as are URLs off the image CDN.
func (s *imageSet) add(src, alt string) {
	if src == "" {
		return
	}
	src = decodeEntities(src)
	if !strings.Contains(src, "mmbiz.qpic.cn") {
		return
	}
	if strings.Contains(src, "pic_blank") || strings.Contains(src, "data:image") {
		return
	}
	if thumbnailRe.MatchString(src) {
		return
	}

	key := xxhash.Sum64String(canonicalImageURL(src))
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}

	if alt == "" {
		alt = "图片" + strconv.Itoa(len(s.seen))
	}
	s.blocks = append(s.blocks, fmt.Sprintf("\n![%s](%s)\n", alt, src))
}

func (s *imageSet) count() int { return len(s.seen) }

// canonicalImageURL normalizes a URL for deduplication only; the
// original URL is what lands in the Markdown.
func canonicalImageURL(src string) string {
	src = decodeEntities(src)
	if strings.HasPrefix(src, "http://") {
		src = "https://" + strings.TrimPrefix(src, "http://")
	}
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	return strings.TrimSuffix(src, "/")
}

// extractGallery builds the Markdown body for a gallery post: title,
// optional description, the image list, and topic tags.
func (p *Parser) extractGallery(doc *goquery.Document) string {
	var parts []string

	if title := extractTitle(doc); title != "" {
		parts = append(parts, "# "+title+"\n")
	}
	if desc := extractDescription(doc); desc != "" {
		parts = append(parts, "\n"+desc+"\n")
	}

	images := newImageSet()
	p.collectGalleryImages(doc, images)

	if images.count() > 0 {
		parts = append(parts, "\n## 图片内容\n")
		parts = append(parts, images.blocks...)
	}

	if topics := extractTopics(doc); topics != "" {
		parts = append(parts, "\n**话题标签**: "+topics+"\n")
	}

	return strings.Join(parts, "")
}

// collectGalleryImages runs the extraction methods in precedence
// order, stopping at the first that yields at least one image.
func (p *Parser) collectGalleryImages(doc *goquery.Document, images *imageSet) {
	if p.extractFromScripts(doc, images); images.count() > 0 {
		return
	}

	doc.Find(".swiper_item_img img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		alt, _ := img.Attr("alt")
		images.add(src, alt)
	})
	if images.count() > 0 {
		return
	}

	doc.Find(`.swiper_item[data-src], div[data-src*="mmbiz.qpic.cn"]`).Each(func(_ int, item *goquery.Selection) {
		src, _ := item.Attr("data-src")
		images.add(src, "")
	})
	if images.count() > 0 {
		return
	}

	for _, selector := range []string{"#js_image_content img", ".image_content img", ".wx_img_swiper img", ".img_swiper_wrp img"} {
		doc.Find(selector).Each(func(_ int, img *goquery.Selection) {
			if skipContentImage(img) {
				return
			}
			src, _ := img.Attr("src")
			if src == "" {
				src, _ = img.Attr("data-src")
			}
			alt, _ := img.Attr("alt")
			images.add(src, alt)
		})
		if images.count() > 0 {
			return
		}
	}

	p.globalImageSweep(doc, images)
}

// extractFromScripts pulls gallery images out of the
// picture_page_info_list JS variable. The regex path is tried first;
// it only matches top-level entries, which keeps watermark and share
// cover URLs out. JSON parsing is the fallback for layouts the regex
// misses.
func (p *Parser) extractFromScripts(doc *goquery.Document, images *imageSet) {
	doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		text := script.Text()
		if !strings.Contains(text, "picture_page_info_list") {
			return
		}

		matches := topLevelCDNRe.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			for _, m := range matches {
				url := m[1]
				if url == "" {
					url = m[2]
				}
				images.add(decodeEntities(url), "")
			}
			return
		}

		p.parsePictureListJSON(text, images)
	})
}

// parsePictureListJSON is the JSON fallback for the gallery variable:
// unescape entities and hex escapes, strip trailing commas, parse.
func (p *Parser) parsePictureListJSON(text string, images *imageSet) {
	m := pictureListRe.FindStringSubmatch(text)
	if m == nil {
		m = pictureListLooseRe.FindStringSubmatch(text)
	}
	if m == nil {
		return
	}

	jsonStr := decodeEntities(m[1])
	jsonStr = trailingArrayComma.ReplaceAllString(jsonStr, "]")
	jsonStr = trailingObjectComma.ReplaceAllString(jsonStr, "}")

	var list []struct {
		CDNURL string `json:"cdn_url"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &list); err != nil {
		p.logger.Debug("gallery image list JSON parse failed", zap.Error(err))
		return
	}
	for _, item := range list {
		if item.CDNURL != "" {
			images.add(decodeEntities(unwrapJsDecode(item.CDNURL)), "")
		}
	}
}

// globalImageSweep is the last-resort image collection: every img tag,
// every data-src attribute, and style background images.
func (p *Parser) globalImageSweep(doc *goquery.Document, images *imageSet) {
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		if src == "" {
			src, _ = img.Attr("data-original")
		}
		alt, _ := img.Attr("alt")
		images.add(src, alt)
	})

	doc.Find("[data-src]").Each(func(_ int, ele *goquery.Selection) {
		src, _ := ele.Attr("data-src")
		images.add(src, "")
	})

	doc.Find("[style]").Each(func(_ int, ele *goquery.Selection) {
		style, _ := ele.Attr("style")
		for _, m := range bgImageRe.FindAllStringSubmatch(style, -1) {
			images.add(m[1], "")
		}
	})
}

// skipContentImage filters avatars, icons, and undersized images from
// content-area extraction.
func skipContentImage(img *goquery.Selection) bool {
	if class, ok := img.Attr("class"); ok {
		lower := strings.ToLower(class)
		for _, excluded := range excludedImgClasses {
			if strings.Contains(lower, excluded) {
				return true
			}
		}
	}
	if w, ok := img.Attr("data-w"); ok {
		if width, err := strconv.Atoi(strings.TrimSpace(w)); err == nil && width < 200 {
			return true
		}
	}
	return false
}

// extractTitle returns the post title from the known title slots.
func extractTitle(doc *goquery.Document) string {
	for _, selector := range []string{".rich_media_title", "#activity-name", "#js_image_content h1", "h1"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return decodeEntities(text)
			}
		}
	}
	return ""
}

// extractDescription returns the gallery description or share notice,
// falling back to the meta description.
func extractDescription(doc *goquery.Document) string {
	for _, selector := range []string{"#js_image_desc", ".share_notice"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return decodeEntities(text)
			}
		}
	}
	if content, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(content) != "" {
		return decodeEntities(strings.TrimSpace(content))
	}
	return ""
}

// extractTopics joins the post's topic tag texts with spaces.
func extractTopics(doc *goquery.Document) string {
	var topics []string
	doc.Find(".wx_topic_link").Each(func(_ int, link *goquery.Selection) {
		text := strings.TrimSpace(link.Text())
		if text == "" {
			return
		}
		text = htmlTagRe.ReplaceAllString(decodeEntities(text), "")
		if text != "" && !strings.HasPrefix(text, "<") {
			topics = append(topics, text)
		}
	})
	return strings.Join(topics, " ")
}

// extractFallback is the secondary extraction used when Markdown
// conversion of a matched subtree comes back too short: title, plain
// text, and the subtree's CDN images.
func extractFallback(doc *goquery.Document, contentSel *goquery.Selection) string {
	var parts []string

	if title := extractTitle(doc); title != "" {
		parts = append(parts, "# "+title+"\n")
	}

	if text := strings.TrimSpace(contentSel.Text()); text != "" {
		parts = append(parts, "\n"+text+"\n")
	}

	var imgBlocks []string
	i := 0
	contentSel.Find("img").Each(func(_ int, img *goquery.Selection) {
		i++
		src, _ := img.Attr("src")
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		if src == "" || !strings.Contains(src, "mmbiz.qpic.cn") || strings.Contains(src, "data:image") {
			return
		}
		alt, _ := img.Attr("alt")
		if alt == "" {
			alt = "图片" + strconv.Itoa(i)
		}
		imgBlocks = append(imgBlocks, fmt.Sprintf("\n![%s](%s)\n", alt, src))
	})
	if len(imgBlocks) > 0 {
		parts = append(parts, "\n## 图片\n")
		parts = append(parts, imgBlocks...)
	}

	return strings.Join(parts, "")
}

// extractAllText is the final fallback for unrecognized layouts: title,
// the first main text block over 20 chars, and up to 20 CDN images.
func extractAllText(doc *goquery.Document) string {
	var parts []string

	if title := extractTitle(doc); title != "" {
		parts = append(parts, "# "+title+"\n")
	}

	for _, selector := range []string{".rich_media_content", "#js_content", ".rich_media_area_primary", "article", ".article-content"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); len(text) > 20 {
				parts = append(parts, "\n"+text+"\n")
				break
			}
		}
	}

	var imgBlocks []string
	count := 0
	doc.Find(`img[data-src], img[src*="mmbiz.qpic.cn"]`).Each(func(i int, img *goquery.Selection) {
		if count >= 20 {
			return
		}
		src, _ := img.Attr("data-src")
		if src == "" {
			src, _ = img.Attr("src")
		}
		if src == "" || !strings.Contains(src, "mmbiz.qpic.cn") || strings.Contains(src, "data:image") {
			return
		}
		count++
		alt, _ := img.Attr("alt")
		if alt == "" {
			alt = "图片" + strconv.Itoa(count)
		}
		imgBlocks = append(imgBlocks, fmt.Sprintf("\n![%s](%s)\n", alt, src))
	})
	if len(imgBlocks) > 0 {
		parts = append(parts, "\n## 图片\n")
		parts = append(parts, imgBlocks...)
	}

	return strings.Join(parts, "")
}

// unwrapJsDecode strips a JsDecode('...') wrapper, returning the inner
// URL with its escapes resolved.
func unwrapJsDecode(text string) string {
	if m := jsDecodeRe.FindStringSubmatch(text); m != nil {
		return decodeEntities(m[1])
	}
	return text
}

// decodeEntities resolves HTML entities and \xNN hex escapes,
// including the double-encoded combinations the platform emits.
func decodeEntities(text string) string {
	if text == "" {
		return text
	}
	text = html.UnescapeString(text)
	text = hexEscapeRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.ParseUint(m[2:], 16, 8)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	return html.UnescapeString(text)
}

// nonWhitespaceLen counts the bytes of text once surrounding
// whitespace is removed, matching the content length gate.
func nonWhitespaceLen(s string) int {
	return len(strings.TrimSpace(s))
}
