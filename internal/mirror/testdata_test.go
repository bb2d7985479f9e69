package mirror

import (
	"fmt"
	"strings"
	"time"
)

// statusJSONFor renders a status payload in the wire format for the given
// mirrors. Zero LastSync values render as null.
func statusJSONFor(mirrors ...Mirror) string {
	var entries []string
	for _, m := range mirrors {
		lastSync := "null"
		if !m.LastSync.IsZero() {
			lastSync = fmt.Sprintf("%q", m.LastSync.UTC().Format(statusTimeLayout))
		}
		entries = append(entries, fmt.Sprintf(
			`{"url": %q, "protocol": %q, "country": %q, "country_code": %q, "last_sync": %s, "completion_pct": %g, "score": %g, "delay": %g, "active": true, "isos": true}`,
			m.URL, m.Protocol, m.Country, m.CountryCode, lastSync, m.CompletionPct, m.Score, m.Delay,
		))
	}
	return fmt.Sprintf(`{"cutoff": 86400, "last_check": "2024-03-01T10:15:30.123456Z", "num_checks": 100, "check_frequency": 600, "urls": [%s]}`,
		strings.Join(entries, ", "))
}

func testMirror(url, protocol, country, code string, lastSync time.Time) Mirror {
	return Mirror{
		URL:           url,
		Protocol:      protocol,
		Country:       country,
		CountryCode:   code,
		LastSync:      lastSync,
		CompletionPct: 1.0,
		Score:         1.5,
		Delay:         300,
	}
}
