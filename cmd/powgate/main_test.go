package main

import "testing"

func TestParseBindNetFromAddr(t *testing.T) {
	for _, tt := range []struct {
		address     string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{address: ":8923", wantNetwork: "tcp", wantAddress: "localhost:8923"},
		{address: "0.0.0.0:8923", wantNetwork: "tcp", wantAddress: "0.0.0.0:8923"},
		{address: "tcp://127.0.0.1:80", wantNetwork: "tcp", wantAddress: "127.0.0.1:80"},
		{address: "unix:///run/powgate.sock", wantNetwork: "unix", wantAddress: "/run/powgate.sock"},
		{address: "udp://127.0.0.1:53", wantErr: true},
	} {
		t.Run(tt.address, func(t *testing.T) {
			network, address, err := parseBindNetFromAddr(tt.address)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wanted error: %v, got: %v", tt.wantErr, err)
			}

			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("wanted %s %s, got: %s %s", tt.wantNetwork, tt.wantAddress, network, address)
			}
		})
	}
}
