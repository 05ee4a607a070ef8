package window

import (
	"path"
	"strings"
)

// RedactedTitle replaces titles that mention a sensitive keyword.
const RedactedTitle = "[Filtered - sensitive content]"

// DefaultSensitiveKeywords are matched case-insensitively anywhere in a title.
var DefaultSensitiveKeywords = []string{
	"bank",
	"password",
	"credential",
	"secret",
	"private",
	"payroll",
	"salary",
}

// FilterConfig configures a TitleFilter.
type FilterConfig struct {
	// CaptureTitles keeps window titles. When false every title is empty.
	CaptureTitles bool

	// SensitiveKeywords redact a title that contains any of them.
	SensitiveKeywords []string

	// IgnoredApps are glob patterns (path.Match syntax, case-insensitive)
	// for apps whose titles are never kept.
	IgnoredApps []string
}

// DefaultFilterConfig keeps titles and redacts the default keywords.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		CaptureTitles:     true,
		SensitiveKeywords: DefaultSensitiveKeywords,
	}
}

// TitleFilter strips private information from snapshots before they reach
// the segmentation engine. It is immutable; swap in a new one to change
// settings.
type TitleFilter struct {
	captureTitles bool
	keywords      []string
	ignoredApps   []string
}

// NewTitleFilter compiles cfg.
func NewTitleFilter(cfg FilterConfig) *TitleFilter {
	f := &TitleFilter{captureTitles: cfg.CaptureTitles}
	for _, kw := range cfg.SensitiveKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.keywords = append(f.keywords, kw)
		}
	}
	for _, p := range cfg.IgnoredApps {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f.ignoredApps = append(f.ignoredApps, p)
		}
	}
	return f
}

// Apply returns s with its title filtered.
func (f *TitleFilter) Apply(s Snapshot) Snapshot {
	if f == nil {
		return s
	}
	if !f.captureTitles || f.ignored(s.AppName) {
		s.WindowTitle = ""
		return s
	}
	lower := strings.ToLower(s.WindowTitle)
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			s.WindowTitle = RedactedTitle
			return s
		}
	}
	return s
}

func (f *TitleFilter) ignored(app string) bool {
	app = strings.ToLower(app)
	for _, pattern := range f.ignoredApps {
		if ok, _ := path.Match(pattern, app); ok {
			return true
		}
	}
	return false
}
