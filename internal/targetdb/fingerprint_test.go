package targetdb

import "testing"

func TestSourceFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		database string
	}{
		{"simple", "localhost", 5432, "sales"},
		{"different port", "localhost", 5433, "sales"},
		{"different db", "localhost", 5432, "inventory"},
		{"different host", "db.internal", 5432, "sales"},
	}

	seen := map[string]string{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SourceFingerprint(tt.host, tt.port, tt.database)
			if len(got) != 64 {
				t.Errorf("SourceFingerprint() returned %d hex chars, want 64", len(got))
			}
			if prior, ok := seen[got]; ok {
				t.Errorf("fingerprint collision with case %q", prior)
			}
			seen[got] = tt.name
		})
	}
}

func TestSourceFingerprint_Deterministic(t *testing.T) {
	a := SourceFingerprint("localhost", 5432, "sales")
	b := SourceFingerprint("localhost", 5432, "sales")
	if a != b {
		t.Errorf("SourceFingerprint() is not deterministic: %q != %q", a, b)
	}
}

func TestSourceFingerprint_DSNSpellingIrrelevant(t *testing.T) {
	// Two DSNs that resolve to the same host/port/database must fingerprint
	// identically, since connect_or_build_kg keys off this value alone.
	a := SourceFingerprint("127.0.0.1", 5432, "sales")
	b := SourceFingerprint("127.0.0.1", 5432, "sales")
	if a != b {
		t.Errorf("expected identical fingerprints, got %q and %q", a, b)
	}
}
