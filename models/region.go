package models

import (
	"regexp"
	"strings"
)

type regionRule struct {
	region  Region
	pattern *regexp.Regexp
}

func keywordPattern(keywords ...string) *regexp.Regexp {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// checked in order; the first hit wins
var regionRules = []regionRule{
	{RegionInternational, keywordPattern(
		"International", "Overseas", "USA", "United States", "Canada", "Japan", "Hong Kong",
		"Singapore", "Taiwan", "Korea", "UAE", "Dubai", "Abu Dhabi", "Saudi", "Qatar", "Kuwait",
		"Bahrain", "Oman", "Middle East", "Australia", "New Zealand", "Europe", "United Kingdom",
		"Italy", "Spain", "Germany", "Malaysia", "Indonesia",
	)},
	{RegionMetroManila, keywordPattern(
		"Metro Manila", "NCR", "Manila", "Quezon City", "Caloocan", "Makati", "Pasig", "Taguig",
		"Pasay", "Parañaque", "Paranaque", "Las Piñas", "Las Pinas", "Muntinlupa", "Marikina",
		"Valenzuela", "Malabon", "Navotas", "Mandaluyong", "San Juan", "Pateros",
	)},
	{RegionVisayas, keywordPattern(
		"Visayas", "Cebu", "Bohol", "Iloilo", "Negros", "Bacolod", "Dumaguete", "Leyte", "Tacloban",
		"Samar", "Panay", "Capiz", "Aklan", "Antique", "Guimaras", "Siquijor", "Biliran",
	)},
	{RegionMindanao, keywordPattern(
		"Mindanao", "Davao", "Zamboanga", "Cagayan de Oro", "Bukidnon", "Misamis", "Lanao",
		"Iligan", "Cotabato", "Sultan Kudarat", "Sarangani", "General Santos", "Surigao",
		"Agusan", "Butuan", "Caraga", "Maguindanao", "Sulu", "Basilan", "Tawi-Tawi",
		"Dinagat", "Camiguin",
	)},
}

// RegionForDistrict classifies a district by keywords in its display name. Unmatched names are Luzon.
func RegionForDistrict(name string) Region {
	for _, rule := range regionRules {
		if rule.pattern.MatchString(name) {
			return rule.region
		}
	}
	return RegionLuzon
}
