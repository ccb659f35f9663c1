package jobstats

import "strings"

// Category is one of the log severity buckets eligible for threshold alerts.
type Category int

// Categories in their fixed evaluation order. The order is significant: thresholds
// and alert state vectors are indexed positionally.
const (
	Critical Category = iota
	Error
	Warning
	Redirect
	Retry
	Ignore
)

// NumCategories is the number of alertable log categories.
const NumCategories = 6

// NumMetrics is the number of tracked counters: the categories plus pages and items.
const NumMetrics = NumCategories + 2

// Metric positions of the non-category counters.
const (
	PagesIndex = NumCategories
	ItemsIndex = NumCategories + 1
)

// Categories lists every category in evaluation order.
var Categories = [NumCategories]Category{Critical, Error, Warning, Redirect, Retry, Ignore}

var categoryNames = [NumCategories]string{"critical", "error", "warning", "redirect", "retry", "ignore"}

// String returns the lower-case category name, e.g. "error".
func (c Category) String() string {
	if c < 0 || int(c) >= NumCategories {
		return "unknown"
	}
	return categoryNames[c]
}

// Label returns the capitalised name used in alert flags, e.g. "Error".
func (c Category) Label() string {
	name := c.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

// LogKey returns the key used in a snapshot's log_categories map.
func (c Category) LogKey() string {
	return c.String() + "_logs"
}

// ParseCategory maps a lower-case name back to its Category.
func ParseCategory(name string) (Category, bool) {
	for i, n := range categoryNames {
		if strings.EqualFold(n, name) {
			return Category(i), true
		}
	}
	return 0, false
}

// Counts is the vector of tracked counters: six categories, pages, items.
type Counts [NumMetrics]int

// CountsOf extracts the tracked counters from a snapshot. Missing pages or items count as zero.
func CountsOf(s *Snapshot) Counts {
	var out Counts
	for i, c := range Categories {
		out[i] = s.CategoryCount(c)
	}
	if s != nil && s.Pages != nil {
		out[PagesIndex] = *s.Pages
	}
	if s != nil && s.Items != nil {
		out[ItemsIndex] = *s.Items
	}
	return out
}

// Sub returns the element-wise difference c - prev. Negative values are kept.
func (c Counts) Sub(prev Counts) Counts {
	var out Counts
	for i := range c {
		out[i] = c[i] - prev[i]
	}
	return out
}
