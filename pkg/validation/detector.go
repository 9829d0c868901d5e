package validation

import (
	"fmt"
	"regexp"
	"sort"
)

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
	Path     string   `json:"path,omitempty"`
}

// Detector scans payload values for injection attempts.
type Detector struct {
	patterns []DetectionPattern
}

// NewDetector creates a detector with default patterns.
func NewDetector() *Detector {
	return &Detector{patterns: defaultPatterns()}
}

// AnalyzeString checks a single value.
func (d *Detector) AnalyzeString(path, value string) []Detection {
	var detections []Detection

	for _, p := range d.patterns {
		if p.Regex.MatchString(value) {
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity,
				Detail:   p.Description,
				Path:     path,
			})
		}
	}

	return detections
}

// Analyze walks maps and slices and checks every string it finds, keys included.
func (d *Detector) Analyze(value any) []Detection {
	var detections []Detection

	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch typed := v.(type) {
		case string:
			detections = append(detections, d.AnalyzeString(path, typed)...)
		case map[string]any:
			keys := make([]string, 0, len(typed))
			for k := range typed {
				keys = append(keys, k)
			}

			sort.Strings(keys)

			for _, k := range keys {
				child := k
				if path != "" {
					child = path + "." + k
				}

				detections = append(detections, d.AnalyzeString(child, k)...)
				walk(child, typed[k])
			}
		case []any:
			for i, item := range typed {
				walk(fmt.Sprintf("%s[%d]", path, i), item)
			}
		}
	}

	walk("", value)

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "script_injection",
			Description: "HTML script or javascript URL",
			Regex:       regexp.MustCompile(`(?i)<\s*script|javascript:|on(error|load)\s*=`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sql_injection",
			Description: "SQL statement fragments",
			Regex:       regexp.MustCompile(`(?i)(\bunion\s+select\b|\bdrop\s+table\b|;\s*delete\s+from\b|'\s*or\s+'?1'?\s*=\s*'?1)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "path_traversal",
			Description: "relative path escaping its root",
			Regex:       regexp.MustCompile(`\.\./|\.\.\\`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "lookup_injection",
			Description: "JNDI or expression language lookup",
			Regex:       regexp.MustCompile(`(?i)\$\{\s*(jndi|env|sys)\s*:`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "command_injection",
			Description: "shell command chaining or substitution",
			Regex:       regexp.MustCompile(`(;|&&|\|\|)\s*(rm|curl|wget|sh|bash|nc)\b|\$\([^)]*\)|` + "`[^`]+`"),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_access",
			Description: "cloud metadata endpoint",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity:    SeverityCritical,
		},
	}
}
