package handlers

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

var reMessageKey = regexp.MustCompile(`"((?:auth|reports|media|chat|common|leaderboard|stats|live)\.[A-Za-z]+)"`)

func TestMessageKeyCoverage(t *testing.T) {
	dirs := []string{".", "..", filepath.Join("..", "routegroups"), filepath.Join("..", "..", "core", "reports")}
	used := map[string]string{}
	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.go"))
		if err != nil {
			t.Fatalf("glob %s: %v", dir, err)
		}
		for _, path := range files {
			if strings.HasSuffix(path, "_test.go") || filepath.Base(path) == "messages.go" {
				continue
			}
			body, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read %s: %v", path, err)
			}
			for _, m := range reMessageKey.FindAllStringSubmatch(string(body), -1) {
				if strings.HasSuffix(m[1], ".go") {
					continue
				}
				used[m[1]] = path
			}
		}
	}
	if len(used) == 0 {
		t.Fatalf("no message keys found; scan paths are wrong")
	}
	var missing []string
	for key, path := range used {
		if _, ok := messages[key]; !ok {
			missing = append(missing, key+" ("+path+")")
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		t.Fatalf("message keys without text: %v", missing)
	}
}

func TestErrorTableKeysHaveMessages(t *testing.T) {
	for _, m := range errorTable {
		if _, ok := messages[m.key]; !ok {
			t.Fatalf("error key %q has no message", m.key)
		}
	}
}

func TestMessagesNonEmpty(t *testing.T) {
	for key, text := range messages {
		if strings.TrimSpace(text) == "" {
			t.Fatalf("empty message for %q", key)
		}
	}
	if got := Message("no.suchKey"); got != "no.suchKey" {
		t.Fatalf("unknown key should fall back to itself, got %q", got)
	}
}
