package billing

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var displayPrinter = message.NewPrinter(language.English)

// FormatCentavos renders an integer minor-unit amount as a grouped decimal
// string for statements, e.g. 123456789 -> "1,234,567.89". Storage and
// arithmetic stay integer; this is display only.
func FormatCentavos(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return displayPrinter.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
