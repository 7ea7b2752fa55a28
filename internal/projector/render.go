package projector

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

// Renderer turns job observations into notification text.
type Renderer interface {
	Render(t *transfer.Transfer) string
	Completed(h Handle, took time.Duration) string
	Stopped(h Handle, t *transfer.Transfer) string
	Vanished(h Handle) string
}

// TextRenderer is the default Renderer, producing Discord markdown.
type TextRenderer struct{}

var _ Renderer = TextRenderer{}

func (TextRenderer) Render(t *transfer.Transfer) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**%s**\n", t.Name)
	fmt.Fprintf(&b, "%s %.1f%% of %s\n", progressBar(t.Progress, 20), t.Progress*100, humanize.Bytes(uint64(max(t.Size, 0))))
	fmt.Fprintf(&b, "↓ %s/s · ↑ %s/s · %d seeds · %d peers · %s",
		humanize.Bytes(uint64(max(t.DownloadSpeed, 0))),
		humanize.Bytes(uint64(max(t.UploadSpeed, 0))),
		t.Seeds,
		t.Peers,
		t.State,
	)

	return b.String()
}

func (TextRenderer) Completed(h Handle, took time.Duration) string {
	return fmt.Sprintf("**%s** completed, took %s", h.DisplayName, formatDuration(took))
}

func (TextRenderer) Stopped(h Handle, t *transfer.Transfer) string {
	return fmt.Sprintf("**%s** is %s at %.1f%% (%s), no longer tracking", h.DisplayName, t.State, t.Progress*100, t.RawState)
}

func (TextRenderer) Vanished(h Handle) string {
	return fmt.Sprintf("**%s** is no longer found on the seedbox, no longer tracking", h.DisplayName)
}

func progressBar(progress float64, width int) string {
	filled := int(progress * float64(width))
	filled = min(max(filled, 0), width)

	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// formatDuration renders d to the second, dropping zero leading units.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}

	d = d.Round(time.Second)

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
