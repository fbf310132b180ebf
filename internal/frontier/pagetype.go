package frontier

import (
	"net/url"
	"strings"
)

// PageType is a hint about what kind of page a URL points at, inferred from
// its path. High-value types outrank generic pages at equal depth.
type PageType string

// Recognized page types.
const (
	PageTypeAbout    PageType = "about"
	PageTypeTeam     PageType = "team"
	PageTypeProduct  PageType = "product"
	PageTypeCareers  PageType = "careers"
	PageTypeContact  PageType = "contact"
	PageTypePricing  PageType = "pricing"
	PageTypeGeneric  PageType = "generic"
	PageTypeDocument PageType = "document"
)

// TypeScores maps page types to their frontier score. Higher scores dequeue
// earlier within the same depth. The exact values are tunable; only the
// relative order of hinted vs generic pages is load-bearing.
var TypeScores = map[PageType]float64{
	PageTypeAbout:    100,
	PageTypeTeam:     95,
	PageTypeProduct:  90,
	PageTypeCareers:  80,
	PageTypeContact:  75,
	PageTypePricing:  70,
	PageTypeDocument: 10,
	PageTypeGeneric:  0,
}

var pathHints = []struct {
	needle string
	kind   PageType
}{
	{"about", PageTypeAbout},
	{"company", PageTypeAbout},
	{"who-we-are", PageTypeAbout},
	{"team", PageTypeTeam},
	{"people", PageTypeTeam},
	{"leadership", PageTypeTeam},
	{"founders", PageTypeTeam},
	{"product", PageTypeProduct},
	{"service", PageTypeProduct},
	{"solution", PageTypeProduct},
	{"platform", PageTypeProduct},
	{"career", PageTypeCareers},
	{"jobs", PageTypeCareers},
	{"hiring", PageTypeCareers},
	{"contact", PageTypeContact},
	{"pricing", PageTypePricing},
	{"plans", PageTypePricing},
}

// ClassifyURL infers a page type from the URL path.
func ClassifyURL(rawURL string) PageType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PageTypeGeneric
	}
	p := strings.ToLower(u.Path)
	if strings.HasSuffix(p, ".pdf") || strings.HasSuffix(p, ".doc") || strings.HasSuffix(p, ".docx") {
		return PageTypeDocument
	}
	for _, hint := range pathHints {
		if strings.Contains(p, hint.needle) {
			return hint.kind
		}
	}
	return PageTypeGeneric
}

// Score returns the frontier score for a page type.
func Score(kind PageType) float64 {
	return TypeScores[kind]
}
