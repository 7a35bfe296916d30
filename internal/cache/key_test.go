package cache

import (
	"regexp"
	"strings"
	"testing"
)

var safeKey = regexp.MustCompile(`^[a-z0-9_]+$`)

func TestEntryKeySanitizesUnsafeCharacters(t *testing.T) {
	key := EntryKey("https://x.com/a?b=c&d=e", "")
	if !safeKey.MatchString(key) {
		t.Fatalf("key %q contains unsafe characters", key)
	}
	if !strings.HasPrefix(key, "a_b_c_d_e_") {
		t.Fatalf("key should keep the readable last segment, got %q", key)
	}
}

func TestEntryKeyDistinctURIsDoNotCollide(t *testing.T) {
	pairs := [][2]string{
		{"https://a.test/one/image.png", "https://a.test/two/image.png"},
		{"https://picsum.photos/200/200?random=1", "https://picsum.photos/300/200?random=1"},
		{"https://a.test/a-b.png", "https://a.test/a_b.png"},
		{"https://a.test/x/", "https://a.test/y/"},
	}
	for _, pair := range pairs {
		if EntryKey(pair[0], "") == EntryKey(pair[1], "") {
			t.Fatalf("%q and %q collided", pair[0], pair[1])
		}
	}
}

func TestEntryKeyIsDeterministic(t *testing.T) {
	uri := "https://cdn.test/avatars/42.jpg?size=large"
	if EntryKey(uri, "") != EntryKey(uri, "") {
		t.Fatalf("key derivation must be deterministic")
	}
}

func TestEntryKeyExplicitCacheKey(t *testing.T) {
	testCases := []struct {
		cacheKey string
		want     string
	}{
		{"sample_image_0", "sample_image_0"},
		{"Avatar-42.PNG", "avatar_42_png"},
		{"  spaced  ", "spaced"},
	}
	for _, tc := range testCases {
		if got := EntryKey("https://a.test/whatever.png", tc.cacheKey); got != tc.want {
			t.Fatalf("cacheKey %q: expected %q, got %q", tc.cacheKey, tc.want, got)
		}
	}
}

func TestEntryKeyFallsBackToImagePrefix(t *testing.T) {
	key := EntryKey("https://a.test/", "")
	if !strings.HasPrefix(key, "a_test_") && !strings.HasPrefix(key, "image_") {
		t.Fatalf("unexpected key for bare host: %q", key)
	}
	if key := EntryKey("/", ""); !strings.HasPrefix(key, "image_") {
		t.Fatalf("empty segment should fall back to image prefix, got %q", key)
	}
}

func TestEntryKeyTruncatesLongSegments(t *testing.T) {
	long := "https://a.test/" + strings.Repeat("x", 500)
	key := EntryKey(long, "")
	if len(key) != maxSegmentLen+1+uriHashLen {
		t.Fatalf("unexpected key length %d", len(key))
	}
	if explicit := EntryKey(long, strings.Repeat("k", 500)); len(explicit) != maxExplicitKeyLen {
		t.Fatalf("explicit key should be truncated to %d, got %d", maxExplicitKeyLen, len(explicit))
	}
}

func TestMakeHash(t *testing.T) {
	if got := MakeHash("abc"); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected sha1: %s", got)
	}
}

func TestEntryKeyAvoidsReservedDeviceNames(t *testing.T) {
	testCases := []struct {
		cacheKey string
		want     string
	}{
		{"CON", "con_key"},
		{"nul", "nul_key"},
		{"Aux", "aux_key"},
		{"com1", "com1_key"},
		{"LPT9", "lpt9_key"},
		{"console", "console"},
		{"com", "com"},
		{"com10", "com10"},
	}
	for _, tc := range testCases {
		if got := EntryKey("https://a.test/x.png", tc.cacheKey); got != tc.want {
			t.Fatalf("cacheKey %q: expected %q, got %q", tc.cacheKey, tc.want, got)
		}
	}
}
