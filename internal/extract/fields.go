package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Field names reported to metrics.
const (
	FieldTitle          = "title"
	FieldPrice          = "price"
	FieldRank           = "rank"
	FieldInventory      = "inventory"
	FieldMainImage      = "main_image"
	FieldRichContent    = "rich_content"
	FieldTotalReviews   = "total_reviews"
	FieldAvgRating      = "avg_rating"
	FieldBullets        = "bullets"
	FieldNegativeReview = "negative_review"
	FieldCoupon         = "coupon"
	FieldLightningDeal  = "lightning_deal"
)

// DefaultFields returns the listing extractors in evaluation order.
func DefaultFields() []Field {
	return []Field{
		{Name: FieldTitle, Apply: extractTitle},
		{Name: FieldPrice, Apply: extractPrice},
		{Name: FieldRank, Apply: extractRank},
		{Name: FieldInventory, Apply: extractInventory},
		{Name: FieldMainImage, Apply: extractMainImage},
		{Name: FieldRichContent, Apply: extractRichContent},
		{Name: FieldTotalReviews, Apply: extractTotalReviews},
		{Name: FieldAvgRating, Apply: extractAvgRating},
		{Name: FieldBullets, Apply: extractBullets},
		{Name: FieldNegativeReview, Apply: extractNegativeReview},
		{Name: FieldCoupon, Apply: extractCoupon},
		{Name: FieldLightningDeal, Apply: extractLightningDeal},
	}
}

var titlePrefixes = []string{"Amazon.com: ", "Amazon.co.uk: ", "Amazon.de: ", "Amazon.ca: "}

func extractTitle(p *Page, snap *monitor.Snapshot) bool {
	title := firstText(p.Doc, "#productTitle", "#title", "h1#title span")
	if title == "" {
		title = firstAttr(p.Doc, `meta[property="og:title"]`, "content")
	}
	if title == "" {
		title = firstText(p.Doc, "head title")
		for _, prefix := range titlePrefixes {
			title = strings.TrimPrefix(title, prefix)
		}
	}
	if title == "" {
		return false
	}
	snap.Title = &title
	return true
}

var priceSelectors = []string{
	"#corePrice_feature_div .a-price .a-offscreen",
	"#corePriceDisplay_desktop_feature_div .a-price .a-offscreen",
	"#priceblock_dealprice",
	"#priceblock_ourprice",
	"#priceblock_saleprice",
	"#price_inside_buybox",
	"#newBuyBoxPrice",
	"#apex_desktop .a-price .a-offscreen",
}

func extractPrice(p *Page, snap *monitor.Snapshot) bool {
	for _, sel := range priceSelectors {
		if d, ok := ParseDecimal(firstText(p.Doc, sel)); ok && d.IsPositive() {
			snap.Price = &d
			return true
		}
	}
	whole := firstText(p.Doc, "span.a-price-whole")
	if whole == "" {
		return false
	}
	fraction := firstText(p.Doc, "span.a-price-fraction")
	whole = strings.TrimRight(whole, ".,")
	text := whole
	if fraction != "" {
		text = whole + "." + fraction
	}
	d, ok := ParseDecimal(text)
	if !ok || !d.IsPositive() {
		return false
	}
	snap.Price = &d
	return true
}

func extractRank(p *Page, snap *monitor.Snapshot) bool {
	var candidates []string
	if text := firstText(p.Doc, "#SalesRank"); text != "" {
		candidates = append(candidates, text)
	}
	p.Doc.Find("#productDetails_detailBullets_sections1 tr, #productDetails_db_sections tr").Each(func(_ int, row *goquery.Selection) {
		if strings.Contains(strings.ToLower(row.Find("th").Text()), "best sellers rank") {
			candidates = append(candidates, collapse(row.Find("td").Text()))
		}
	})
	p.Doc.Find("#detailBulletsWrapper_feature_div li, #detailBullets_feature_div li").Each(func(_ int, li *goquery.Selection) {
		text := collapse(li.Text())
		if strings.Contains(strings.ToLower(text), "best sellers rank") {
			candidates = append(candidates, text)
		}
	})
	for _, c := range candidates {
		if rank := ParseRank(c); rank != nil {
			snap.Rank = rank
			return true
		}
	}
	return false
}

func extractInventory(p *Page, snap *monitor.Snapshot) bool {
	for _, sel := range []string{"#availability", "#availabilityInsideBuyBox_feature_div", "#outOfStock", "#almAvailability"} {
		inv := ParseInventory(firstText(p.Doc, sel))
		if inv.Known() {
			snap.Inventory = inv
			return true
		}
	}
	if p.Doc.Find("#add-to-cart-button").Length() > 0 {
		snap.Inventory = monitor.InStockInventory()
		return true
	}
	return false
}

func extractMainImage(p *Page, snap *monitor.Snapshot) bool {
	ref := firstAttr(p.Doc, "#landingImage", "data-old-hires", "src")
	if ref == "" {
		ref = firstAttr(p.Doc, "#imgBlkFront, #main-image", "src")
	}
	if ref == "" {
		ref = firstAttr(p.Doc, `meta[property="og:image"]`, "content")
	}
	if ref == "" {
		return false
	}
	digest := p.Digest(ref)
	snap.MainImageDigest = &digest
	return true
}

func extractRichContent(p *Page, snap *monitor.Snapshot) bool {
	text := firstText(p.Doc, "#aplus", "#aplus_feature_div", "#productDescription")
	if text == "" {
		return false
	}
	digest := p.Digest(text)
	snap.RichContentDigest = &digest
	return true
}

func extractTotalReviews(p *Page, snap *monitor.Snapshot) bool {
	text := firstText(p.Doc, "#acrCustomerReviewText", `[data-hook="total-review-count"]`)
	n, ok := ParseCount(text)
	if !ok {
		return false
	}
	snap.TotalReviews = &n
	return true
}

func extractAvgRating(p *Page, snap *monitor.Snapshot) bool {
	text := firstAttr(p.Doc, "#acrPopover", "title")
	if text == "" {
		text = firstText(p.Doc, `[data-hook="rating-out-of-text"]`, "#acrPopover .a-icon-alt", "i.a-icon-star span.a-icon-alt")
	}
	d, ok := ParseDecimal(text)
	if !ok || d.IsNegative() || d.GreaterThan(fiveStars) {
		return false
	}
	snap.AvgRating = &d
	return true
}

func extractBullets(p *Page, snap *monitor.Snapshot) bool {
	var lines []string
	p.Doc.Find("#feature-bullets ul li").Each(func(_ int, li *goquery.Selection) {
		if li.HasClass("aok-hidden") {
			return
		}
		if text := collapse(li.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		return false
	}
	text := strings.Join(lines, "\n")
	snap.BulletText = &text
	return true
}

// extractNegativeReview digests the first visible review rated two stars or less.
func extractNegativeReview(p *Page, snap *monitor.Snapshot) bool {
	var body string
	p.Doc.Find(`[data-hook="review"]`).EachWithBreak(func(_ int, review *goquery.Selection) bool {
		stars := collapse(review.Find(`[data-hook="review-star-rating"], [data-hook="cmps-review-star-rating"], i.a-icon-star`).First().Text())
		rating, ok := ParseDecimal(stars)
		if !ok || rating.GreaterThan(twoStars) {
			return true
		}
		body = collapse(review.Find(`[data-hook="review-body"]`).Text())
		return body == ""
	})
	if body == "" {
		return false
	}
	digest := p.Digest(body)
	snap.NegativeReviewDigest = &digest
	return true
}

func extractCoupon(p *Page, snap *monitor.Snapshot) bool {
	text := firstText(p.Doc, "#couponBadgeRegularVpc", "#vpcButton", "span.couponBadge", `label[id^="couponText"]`, "#promoPriceBlockMessage_feature_div")
	value, ok := ParseCoupon(text)
	if !ok {
		return false
	}
	snap.CouponValue = &value
	return true
}

// extractLightningDeal records true when a deal badge is present and false
// when the page is a listing without one.
func extractLightningDeal(p *Page, snap *monitor.Snapshot) bool {
	found := p.Doc.Find("#dealBadge_feature_div, #deal_expiry_timer, #lightningDealStatus").Length() > 0
	if !found {
		found = strings.Contains(strings.ToLower(firstText(p.Doc, "#dealBadgeSupportingText", ".dealBadge")), "lightning deal")
	}
	if !found && p.Doc.Find("#productTitle").Length() == 0 {
		return false
	}
	snap.IsLightningDeal = &found
	return true
}
