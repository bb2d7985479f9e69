package mirror

import (
	"regexp"
	"testing"
	"time"
)

func TestFilterProtocol(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	incomplete := testMirror("https://partial.example/", "https", "Germany", "DE", recent)
	incomplete.CompletionPct = 0.5

	mirrors := []Mirror{
		testMirror("https://a.example/", "https", "Germany", "DE", recent),
		testMirror("http://b.example/", "http", "Germany", "DE", recent),
		testMirror("rsync://c.example/", "rsync", "Germany", "DE", recent),
		testMirror("https://never.example/", "https", "Germany", "DE", time.Time{}),
		incomplete,
	}

	got := FilterSlice(mirrors, Criteria{Protocols: []string{"https"}, MinCompletionPct: 1.0}, now)
	if len(got) != 1 || got[0].URL != "https://a.example/" {
		t.Fatalf("expected only https://a.example/, got %+v", got)
	}

	for _, m := range mirrors {
		want := m.Protocol == "https" && m.Synced() && m.CompletionPct >= 1.0
		found := false
		for _, g := range got {
			if g.URL == m.URL {
				found = true
			}
		}
		if found != want {
			t.Errorf("mirror %s: included=%v, want %v", m.URL, found, want)
		}
	}
}

func TestFilterCountryCaseInsensitive(t *testing.T) {
	now := time.Now()
	mirrors := []Mirror{
		testMirror("https://de.example/", "https", "Germany", "DE", now),
		testMirror("https://fr.example/", "https", "France", "FR", now),
		testMirror("https://us.example/", "https", "United States", "US", now),
	}

	tests := []struct {
		name      string
		countries []string
		want      []string
	}{
		{"by code", []string{"de"}, []string{"https://de.example/"}},
		{"by name", []string{"france"}, []string{"https://fr.example/"}},
		{"mixed", []string{"united states", "DE"}, []string{"https://de.example/", "https://us.example/"}},
		{"no filter", nil, []string{"https://de.example/", "https://fr.example/", "https://us.example/"}},
		{"unknown", []string{"Atlantis"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterSlice(mirrors, Criteria{Countries: tt.countries}, now)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d mirrors, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].URL != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s (input order must be kept)", i, got[i].URL, tt.want[i])
				}
			}
		})
	}
}

func TestFilterAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mirrors := []Mirror{
		testMirror("https://fresh.example/", "https", "Germany", "DE", now.Add(-2*time.Hour)),
		testMirror("https://edge.example/", "https", "Germany", "DE", now.Add(-12*time.Hour)),
		testMirror("https://stale.example/", "https", "Germany", "DE", now.Add(-13*time.Hour)),
	}

	got := FilterSlice(mirrors, Criteria{MaxAgeHours: 12}, now)
	if len(got) != 2 {
		t.Fatalf("expected 2 mirrors within 12h, got %d", len(got))
	}
	if got[1].URL != "https://edge.example/" {
		t.Errorf("mirror synced exactly 12h ago should pass, got %s", got[1].URL)
	}

	half := FilterSlice(mirrors, Criteria{MaxAgeHours: 2.5}, now)
	if len(half) != 1 {
		t.Errorf("fractional age: expected 1 mirror, got %d", len(half))
	}
}

func TestFilterIncludeExclude(t *testing.T) {
	now := time.Now()
	mirrors := []Mirror{
		testMirror("https://mirror.one.example/", "https", "Germany", "DE", now),
		testMirror("https://mirror.two.example/", "https", "Germany", "DE", now),
		testMirror("https://other.example/", "https", "Germany", "DE", now),
	}

	got := FilterSlice(mirrors, Criteria{
		Include: []*regexp.Regexp{regexp.MustCompile(`^https://mirror\.`)},
		Exclude: []*regexp.Regexp{regexp.MustCompile(`two`)},
	}, now)
	if len(got) != 1 || got[0].URL != "https://mirror.one.example/" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFilterSequenceIsRestartable(t *testing.T) {
	now := time.Now()
	mirrors := []Mirror{
		testMirror("https://a.example/", "https", "Germany", "DE", now),
		testMirror("https://b.example/", "https", "Germany", "DE", now),
	}
	seq := Filter(mirrors, Criteria{}, now)

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if first, second := count(), count(); first != 2 || second != 2 {
		t.Errorf("expected 2 mirrors on both passes, got %d and %d", first, second)
	}

	for m := range seq {
		if m.URL != "https://a.example/" {
			t.Errorf("expected first mirror, got %s", m.URL)
		}
		break
	}
}

func TestCompilePatterns(t *testing.T) {
	if _, err := CompilePatterns([]string{"ok", "("}); err == nil {
		t.Error("expected error for invalid expression")
	}
	res, err := CompilePatterns([]string{"a", "b"})
	if err != nil || len(res) != 2 {
		t.Fatalf("CompilePatterns() = %v, %v", res, err)
	}
}
