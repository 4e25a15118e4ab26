package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tanq16/hanzo/utils"
	"golang.org/x/term"
)

func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 || bytes < 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := utils.FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Replace "B" with "B/s"
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80 // Default fallback width
	}
	return width
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24 // Default fallback height
	}
	return height
}

// truncateName keeps the tail of a long file name; for sharded bundles the
// shard counter at the end is the part worth seeing.
func truncateName(name string, width int) string {
	if width < 4 || utf8.RuneCountInString(name) <= width {
		return name
	}
	runes := []rune(name)
	return "..." + string(runes[len(runes)-width+3:])
}
