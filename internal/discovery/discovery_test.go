package discovery

import (
	"net"
	"testing"
)

func TestEntryURL(t *testing.T) {
	url, ok := entryURL([]net.IP{net.IPv4(192, 168, 1, 7)}, 8080, []string{"path=/ws"})
	if !ok || url != "ws://192.168.1.7:8080/ws" {
		t.Errorf("entryURL = %q, %v", url, ok)
	}

	url, _ = entryURL([]net.IP{net.IPv4(10, 0, 0, 1)}, 9000, nil)
	if url != "ws://10.0.0.1:9000/ws" {
		t.Errorf("default path not applied: %q", url)
	}

	if _, ok := entryURL(nil, 8080, nil); ok {
		t.Error("entry without addresses should be skipped")
	}
}
