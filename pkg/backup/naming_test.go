package backup

import (
	"math/rand"
	"testing"
	"time"
)

func TestFormatName(t *testing.T) {
	ts := time.Date(2024, 1, 4, 4, 0, 0, 0, time.Local)
	got := FormatName("actual_budget_data", ts)
	want := "actual_budget_data_20240104_040000.tar.gz"
	if got != want {
		t.Errorf("FormatName() = %q, want %q", got, want)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		key    string
		wantOK bool
	}{
		{"app_20240101_040000.tar.gz", true},
		{"app_20241231_235959.tar.gz", true},
		{"app_20240101_0400.tar.gz", false},
		{"app_20240101_040000.tar", false},
		{"other_20240101_040000.tar.gz", false},
		{"app_2024010a_040000.tar.gz", false},
		{"app_20241301_040000.tar.gz", false},
		{"app_extra_20240101_040000.tar.gz", false},
		{"docker-compose.yml", false},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			_, ok := ParseName("app", tc.key)
			if ok != tc.wantOK {
				t.Errorf("ParseName(%q) ok = %v, want %v", tc.key, ok, tc.wantOK)
			}
		})
	}
}

func TestParseName_RoundTrip(t *testing.T) {
	ts := time.Date(2023, 7, 9, 13, 5, 59, 0, time.Local)
	got, ok := ParseName("app", FormatName("app", ts))
	if !ok {
		t.Fatal("ParseName() rejected a FormatName() key")
	}
	if !got.Equal(ts) {
		t.Errorf("ParseName() = %v, want %v", got, ts)
	}
}

func TestSelectLatest_Scenario(t *testing.T) {
	keys := []string{"app_20240101_040000.tar.gz", "app_20240104_040000.tar.gz"}
	got, ok := SelectLatest("app", keys)
	if !ok {
		t.Fatal("SelectLatest() found nothing")
	}
	if got != "app_20240104_040000.tar.gz" {
		t.Errorf("SelectLatest() = %q, want %q", got, "app_20240104_040000.tar.gz")
	}
}

func TestSelectLatest_IgnoresForeignKeys(t *testing.T) {
	keys := []string{
		"app_20240104_040000.tar.gz",
		"app_zzz.tar.gz",
		"app_20240101_040000.tar.gz",
		"zzz_20991231_235959.tar.gz",
		"notes.txt",
	}
	got, ok := SelectLatest("app", keys)
	if !ok || got != "app_20240104_040000.tar.gz" {
		t.Errorf("SelectLatest() = %q, %v, want app_20240104_040000.tar.gz", got, ok)
	}
}

func TestSelectLatest_Empty(t *testing.T) {
	if got, ok := SelectLatest("app", nil); ok {
		t.Errorf("SelectLatest(nil) = %q, want nothing", got)
	}
	if got, ok := SelectLatest("app", []string{"readme.md"}); ok {
		t.Errorf("SelectLatest() = %q, want nothing", got)
	}
}

func TestSelectLatest_MatchesChronological(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)

	for round := 0; round < 50; round++ {
		var keys []string
		var newest time.Time
		for i := 0; i < 1+rnd.Intn(20); i++ {
			ts := base.Add(time.Duration(rnd.Int63n(int64(4 * 365 * 24 * time.Hour)))).Truncate(time.Second)
			if ts.After(newest) {
				newest = ts
			}
			keys = append(keys, FormatName("app", ts))
		}
		rnd.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

		got, ok := SelectLatest("app", keys)
		if !ok {
			t.Fatalf("round %d: nothing selected", round)
		}
		if want := FormatName("app", newest); got != want {
			t.Fatalf("round %d: SelectLatest() = %q, want %q", round, got, want)
		}
	}
}
