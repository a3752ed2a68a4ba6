package main

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/rjboer/tracecap/internal/mdns"
)

func TestPrintHosts(t *testing.T) {
	var buf bytes.Buffer
	printHosts(&buf, []mdns.Host{
		{Instance: "RIGOL DS1054Z", Service: "_scpi-raw._tcp", Port: 5555, Addresses: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("10.0.0.7")}},
		{Instance: "v6 only", Addresses: []net.IP{net.ParseIP("fe80::2")}},
	})
	out := buf.String()
	for _, want := range []string{"Instrument #1", "RIGOL DS1054Z", "tracecap 10.0.0.7", "Instrument #2", "<none>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Count(out, "Capture  :") != 1 {
		t.Fatalf("expected a capture hint only for the IPv4 host:\n%s", out)
	}
}
