package hostblock

import "testing"

func TestBlocklistPatterns(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		bl := New([]string{"Example.org"}, false)
		if !bl.IsBlocked("example.org") {
			t.Fatalf("expected example.org to be blocked")
		}
		if bl.IsBlocked("sub.example.org") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		bl := New([]string{"*.spam.test", ".junk.test"}, false)
		cases := []struct {
			host    string
			blocked bool
		}{
			{"a.spam.test", true},
			{"deep.a.spam.test", true},
			{"spam.test", true},
			{"x.junk.test", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			if got := bl.IsBlocked(tc.host); got != tc.blocked {
				t.Fatalf("host %q blocked=%v, want %v", tc.host, got, tc.blocked)
			}
		}
	})

	t.Run("nil blocklist", func(t *testing.T) {
		var bl *Blocklist
		if bl.IsBlocked("anything") {
			t.Fatalf("nil blocklist should never block")
		}
	})
}

func TestBlocklistAllow(t *testing.T) {
	t.Parallel()

	bl := New(nil, false)
	cases := []struct {
		url     string
		blocked bool
	}{
		{"http://external.example/post1", false},
		{"http://93.184.216.34/post", false},
		{"http://localhost:8080/", true},
		{"http://app.localhost/", true},
		{"http://127.0.0.1/", true},
		{"http://10.1.2.3/", true},
		{"http://192.168.0.10/", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/", true},
		{"http://[::ffff:127.0.0.1]/", true},
		{"http://0.0.0.0/", true},
		{"http:///nohost", true},
	}
	for _, tc := range cases {
		err := bl.Allow(tc.url)
		if (err != nil) != tc.blocked {
			t.Fatalf("Allow(%q) error = %v, blocked want %v", tc.url, err, tc.blocked)
		}
	}

	permissive := New(nil, true)
	if err := permissive.Allow("http://127.0.0.1:9999/"); err != nil {
		t.Fatalf("allowPrivate should permit loopback: %v", err)
	}
}
