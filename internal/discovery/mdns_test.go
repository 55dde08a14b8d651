package discovery

import "testing"

func TestTXTRecords(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		tokenAuth bool
		want      []string
	}{
		{
			name:    "open server",
			version: "v1.2.3",
			want:    []string{"version=v1.2.3", "proto=boardlink-binary"},
		},
		{
			name:      "token protected",
			version:   "dev",
			tokenAuth: true,
			want:      []string{"version=dev", "proto=boardlink-binary", "auth=token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TXTRecords(tt.version, tt.tokenAuth)
			if len(got) != len(tt.want) {
				t.Fatalf("records = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("record %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
