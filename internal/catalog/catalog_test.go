package catalog

import (
	"testing"

	kit "cinebot/internal/transport"
)

func TestMatchesName(t *testing.T) {
	t.Parallel()
	it := Item{Title: "El Señor de los Anillos", AlternateNames: []string{"The Lord of the Rings", "LOTR"}}
	tests := []struct {
		q    string
		want bool
	}{
		{"señor", true},
		{"LORD OF", true},
		{"lotr", true},
		{"  anillos ", true},
		{"hobbit", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := it.MatchesName(tt.q); got != tt.want {
			t.Fatalf("MatchesName(%q) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestRefBySurface(t *testing.T) {
	t.Parallel()
	p := &kit.PostRef{Surface: kit.SurfacePrimary, MessageID: 1}
	m := &kit.PostRef{Surface: kit.SurfaceMirror, MessageID: 2}
	it := Item{PrimaryPost: p, MirrorPost: m}
	if it.Ref(kit.SurfacePrimary) != p || it.Ref(kit.SurfaceMirror) != m {
		t.Fatal("Ref returned the wrong handle")
	}
	if !it.Published() || (Item{}).Published() {
		t.Fatal("Published mismatch")
	}
}
