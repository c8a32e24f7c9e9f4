package classify

import "regexp"

// Category is the closed set of announcement tags.
type Category string

const (
	CategoryTravel    Category = "travel"
	CategoryMeeting   Category = "meeting"
	CategoryEmergency Category = "emergency"
	CategoryService   Category = "service"
	CategoryGeneral   Category = "general"
	CategoryOther     Category = "other"
)

// Categories lists every tag in evaluation order, ending with the default.
var Categories = []Category{
	CategoryTravel,
	CategoryMeeting,
	CategoryEmergency,
	CategoryService,
	CategoryGeneral,
	CategoryOther,
}

// Keyword sets are disjoint; the first set that matches wins.
var categoryRules = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategoryTravel, regexp.MustCompile(`\b(boarding|gates?|flights?|platforms?|departures?|arrivals?|trains?|terminals?)\b`)},
	{CategoryMeeting, regexp.MustCompile(`\b(meetings?|conferences?|sessions?|break|seminars?|lectures?)\b`)},
	{CategoryEmergency, regexp.MustCompile(`\b(emergency|evacuation|evacuate|alert|drill|fire|safety)\b`)},
	{CategoryService, regexp.MustCompile(`\b(maintenance|closed|available|service|restrooms?|elevators?)\b`)},
	{CategoryGeneral, regexp.MustCompile(`\b(reminder|notice|update|information)\b`)},
}

// Categorize tags an announcement. It is total: text that matches no keyword
// set is CategoryOther.
func Categorize(text string) Category {
	normalized := normalize(text)
	for _, r := range categoryRules {
		if r.re.MatchString(normalized) {
			return r.category
		}
	}
	return CategoryOther
}
