package delivery

import (
	"strings"

	"github.com/growthpigs/revos-dispatch/internal/domain"
)

// RenderDM fills the campaign's message template with the commenter's
// details. Unknown placeholders pass through untouched so a typo in a
// template is visible in the delivered text rather than silently eaten.
func RenderDM(template string, c domain.Comment, matchedTrigger string) string {
	first := firstName(c.AuthorName)
	return strings.NewReplacer(
		"{first_name}", first,
		"{name}", strings.TrimSpace(c.AuthorName),
		"{trigger}", matchedTrigger,
	).Replace(template)
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
