package onion

import (
	"testing"
	"time"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

func TestBuildCircuitEnforcesASNDiversity(t *testing.T) {
	b, err := NewBuilder(16)
	if err != nil {
		t.Fatal(err)
	}
	candidates := []RelayCandidate{
		{ID: "r1", ASN: 100}, {ID: "r2", ASN: 100}, {ID: "r3", ASN: 200}, {ID: "r4", ASN: 300},
	}
	circ, err := b.BuildCircuit(candidates, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uint32]bool{}
	for _, h := range circ.Hops {
		var asn uint32
		for _, c := range candidates {
			if c.ID == h.RelayID {
				asn = c.ASN
			}
		}
		if seen[asn] {
			t.Fatalf("ASN %d used more than once, violating diversity", asn)
		}
		seen[asn] = true
	}
	if circ.Status != Active {
		t.Fatalf("expected circuit to become Active, got %v", circ.Status)
	}
}

func TestBuildCircuitFailsWithInsufficientDiversity(t *testing.T) {
	b, _ := NewBuilder(16)
	candidates := []RelayCandidate{{ID: "r1", ASN: 100}, {ID: "r2", ASN: 100}}
	if _, err := b.BuildCircuit(candidates, 2, true); !errs.Is(err, errs.Capacity) {
		t.Fatalf("expected Capacity error when diversity can't be satisfied, got %v", err)
	}
}

func TestSphinxRoundTrip(t *testing.T) {
	hops := []Hop{
		{RelayID: types.NodeID("entry"), Secret: []byte("secret-entry-0123456789012345678")},
		{RelayID: types.NodeID("middle"), Secret: []byte("secret-middle-012345678901234567")},
		{RelayID: types.NodeID("exit"), Secret: []byte("secret-exit-01234567890123456789")},
	}
	header := []byte("routing-header")
	payload := []byte("hello, onion world")

	pkt, err := WrapSphinx(hops, header, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyMAC(hops[0].Secret, pkt) {
		t.Fatal("MAC should verify at the entry hop using only its own secret")
	}

	// Entry peels first (reverse of wrap order: wrap went exit->entry,
	// so unwrap proceeds entry->exit), each hop verifying with only its
	// own secret before peeling.
	cur := pkt
	for i := 0; i < len(hops); i++ {
		if !VerifyMAC(hops[i].Secret, cur) {
			t.Fatalf("hop %d: MAC failed to verify with its own secret", i)
		}
		cur = UnwrapHop(hops[i].Secret, cur)
	}
	if string(cur.Header) != string(header) {
		t.Fatalf("header not recovered: got %q want %q", cur.Header, header)
	}
	if string(cur.Payload) != string(payload) {
		t.Fatalf("payload not recovered: got %q want %q", cur.Payload, payload)
	}
}

// TestSphinxTamperDetectedAtFirstHop verifies spec §4.8 scenario 5:
// tampering one byte of the payload causes MAC failure at the first hop,
// checkable with only that hop's own secret.
func TestSphinxTamperDetectedAtFirstHop(t *testing.T) {
	hops := []Hop{
		{RelayID: types.NodeID("entry"), Secret: []byte("secret-entry-0123456789012345678")},
		{RelayID: types.NodeID("middle"), Secret: []byte("secret-middle-012345678901234567")},
		{RelayID: types.NodeID("exit"), Secret: []byte("secret-exit-01234567890123456789")},
	}
	header := []byte("routing-header")
	payload := []byte("hello, onion world")

	pkt, err := WrapSphinx(hops, header, payload)
	if err != nil {
		t.Fatal(err)
	}

	pkt.Payload[0] ^= 0xFF

	if VerifyMAC(hops[0].Secret, pkt) {
		t.Fatal("expected MAC verification to fail at the first hop after payload tampering")
	}
}

func TestExpireStaleTearsDownOldCircuits(t *testing.T) {
	b, _ := NewBuilder(16)
	candidates := []RelayCandidate{{ID: "r1", ASN: 1}, {ID: "r2", ASN: 2}}
	circ, err := b.BuildCircuit(candidates, 2, false)
	if err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.circuits[circ.ID].MaxLifetime = time.Minute
	b.circuits[circ.ID].CreatedAt = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	expired := b.ExpireStale(time.Now())
	if len(expired) != 1 || expired[0] != circ.ID {
		t.Fatalf("expected circuit %s to expire, got %v", circ.ID, expired)
	}
	got, err := b.Circuit(circ.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Closed {
		t.Fatalf("expected Closed status after expiry, got %v", got.Status)
	}
}

func TestCoverTrafficSizeWithinBounds(t *testing.T) {
	buf, err := CoverTraffic()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) < 512 || len(buf) > 1024 {
		t.Fatalf("cover traffic size %d outside [512,1024]", len(buf))
	}
}
