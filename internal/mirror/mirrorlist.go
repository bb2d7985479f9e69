package mirror

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

const displayTimeLayout = "2006-01-02 15:04:05 UTC"

// MirrorlistHeader is the metadata printed above a generated mirrorlist.
type MirrorlistHeader struct {
	Command   string
	Source    string
	Generated time.Time
	Retrieved time.Time
	LastCheck time.Time
}

// WriteMirrorlist writes mirrors as a pacman mirrorlist. With
// includeCountry, a comment line starts each run of mirrors from the same
// country.
func WriteMirrorlist(w io.Writer, mirrors []Mirror, hdr MirrorlistHeader, includeCountry bool) error {
	if len(mirrors) == 0 {
		return ErrNoMirrorAvailable
	}

	const width = 80
	title := " Arch Linux mirrorlist generated by reposync "
	pad := max(0, width-len(title))
	header := strings.Repeat("#", pad/2) + title + strings.Repeat("#", pad-pad/2)
	border := strings.Repeat("#", len(header))

	cmd := hdr.Command
	if cmd == "" {
		cmd = "?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n%s\n\n", border, header, border)
	for _, kv := range [][2]string{
		{"With:", cmd},
		{"When:", displayTime(hdr.Generated)},
		{"From:", hdr.Source},
		{"Retrieved:", displayTime(hdr.Retrieved)},
		{"Last Check:", displayTime(hdr.LastCheck)},
	} {
		fmt.Fprintf(&b, "# %-11s %s\n", kv[0], kv[1])
	}
	b.WriteString("\n")

	country := ""
	for _, m := range mirrors {
		if includeCountry {
			c := fmt.Sprintf("%s [%s]", m.Country, m.CountryCode)
			if c != country {
				if country != "" {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "# %s\n", c)
				country = c
			}
		}
		fmt.Fprintf(&b, "Server = %s\n", ServerTemplate(m.URL))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteInfo writes a block of fields for each mirror, including its rating
// when rated holds one.
func WriteInfo(w io.Writer, mirrors []Mirror, rated map[string]RatedMirror) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, m := range mirrors {
		fmt.Fprintln(tw, ServerTemplate(m.URL))
		fields := map[string]string{
			"active":         fmt.Sprint(m.Active),
			"completion_pct": fmt.Sprintf("%.2f", m.CompletionPct),
			"country":        m.Country,
			"country_code":   m.CountryCode,
			"delay":          fmt.Sprintf("%.0f", m.Delay),
			"isos":           fmt.Sprint(m.ISOs),
			"last_sync":      displayTime(m.LastSync),
			"protocol":       m.Protocol,
			"score":          fmt.Sprintf("%.2f", m.Score),
		}
		if rm, ok := rated[m.URL]; ok {
			fields["rate"] = fmt.Sprintf("%.2f KiB/s", rm.Rate/1024)
			fields["rate_time"] = fmt.Sprintf("%.2f s", rm.Elapsed.Seconds())
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t: %s\n", k, fields[k])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func displayTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(displayTimeLayout)
}
