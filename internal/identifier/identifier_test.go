package identifier

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"plain", "weather", "weather"},
		{"uppercase", "Weather-API", "weather_api"},
		{"spaces and punctuation", "  my server! ", "my_server_"},
		{"leading digit", "7timer", "_7timer"},
		{"keyword", "class", "class_"},
		{"keyword await", "await", "await_"},
		{"empty", "", "server"},
		{"only punctuation", "---", "server"},
		{"underscores kept", "tool__name", "tool__name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.value, "server"); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	for _, value := range []string{"weather", "My Server", "7timer", "class", "a--b"} {
		once := Sanitize(value, "server")
		twice := Sanitize(once, "server")
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", value, once, twice)
		}
	}
}
