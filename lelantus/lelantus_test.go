package lelantus

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// testSeed64 returns a 64-byte seed filled with a recognizable pattern.
func testSeed64(fill byte) *[64]byte {
	var seed [64]byte
	for i := range seed {
		seed[i] = fill + byte(i)
	}
	return &seed
}

func TestScalarFromSeed(t *testing.T) {
	tests := []struct {
		name string
		seed [32]byte
	}{
		{name: "plain", seed: [32]byte{1, 2, 3}},
		{name: "zero seed rehashes", seed: [32]byte{}},
		{name: "overflow seed rehashes", seed: [32]byte{
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s1, err := ScalarFromSeed(tt.seed)
			if err != nil {
				t.Fatalf("ScalarFromSeed: %v", err)
			}
			if s1.IsZero() {
				t.Fatal("derived scalar is zero")
			}

			// Derivation is a pure function of the seed.
			s2, err := ScalarFromSeed(tt.seed)
			if err != nil {
				t.Fatalf("ScalarFromSeed: %v", err)
			}
			b1, b2 := ScalarBytes(&s1), ScalarBytes(&s2)
			if b1 != b2 {
				t.Errorf("scalar not deterministic: %x != %x", b1, b2)
			}
		})
	}
}

func TestScalarFromSeedDistinct(t *testing.T) {
	s1, err := ScalarFromSeed([32]byte{1})
	if err != nil {
		t.Fatalf("ScalarFromSeed: %v", err)
	}
	s2, err := ScalarFromSeed([32]byte{2})
	if err != nil {
		t.Fatalf("ScalarFromSeed: %v", err)
	}
	if ScalarBytes(&s1) == ScalarBytes(&s2) {
		t.Error("different seeds produced the same scalar")
	}
}

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()
	if params.G == nil || params.H == nil {
		t.Fatal("missing generator")
	}
	if params.G.IsEqual(params.H) {
		t.Error("secondary generator equals the base point")
	}

	// H must round trip through the compressed encoding, which also
	// proves it is a canonical curve point.
	reparsed, err := btcec.ParsePubKey(params.H.SerializeCompressed())
	if err != nil {
		t.Fatalf("ParsePubKey(H): %v", err)
	}
	if !reparsed.IsEqual(params.H) {
		t.Error("H does not round trip through its encoding")
	}

	// The parameters are shared process wide.
	if DefaultParams() != params {
		t.Error("DefaultParams is not stable")
	}
}

func TestCommit(t *testing.T) {
	params := DefaultParams()

	serial, err := ScalarFromSeed([32]byte{10})
	if err != nil {
		t.Fatalf("ScalarFromSeed: %v", err)
	}
	randomness, err := ScalarFromSeed([32]byte{20})
	if err != nil {
		t.Fatalf("ScalarFromSeed: %v", err)
	}

	c1 := params.Commit(&serial, &randomness)
	c2 := params.Commit(&serial, &randomness)
	if !c1.IsEqual(c2) {
		t.Error("commitment is not deterministic")
	}

	other, err := ScalarFromSeed([32]byte{30})
	if err != nil {
		t.Fatalf("ScalarFromSeed: %v", err)
	}
	if c1.IsEqual(params.Commit(&serial, &other)) {
		t.Error("changing the randomness did not change the commitment")
	}
	if c1.IsEqual(params.Commit(&other, &randomness)) {
		t.Error("changing the serial did not change the commitment")
	}
}

func TestParsePubCoin(t *testing.T) {
	params := DefaultParams()
	serial, _ := ScalarFromSeed([32]byte{40})
	randomness, _ := ScalarFromSeed([32]byte{41})
	coin := params.Commit(&serial, &randomness)

	enc := coin.Bytes()
	if len(enc) != PubCoinSize {
		t.Fatalf("encoded coin is %d bytes, want %d", len(enc), PubCoinSize)
	}

	parsed, err := ParsePubCoin(enc)
	if err != nil {
		t.Fatalf("ParsePubCoin: %v", err)
	}
	if !parsed.IsEqual(coin) {
		t.Error("parsed coin differs from the original")
	}

	// Corrupt encodings must be rejected.
	if _, err := ParsePubCoin(enc[:PubCoinSize-1]); err == nil {
		t.Error("ParsePubCoin accepted a truncated encoding")
	}
	bad := make([]byte, PubCoinSize)
	copy(bad, enc)
	bad[0] = 0x05
	if _, err := ParsePubCoin(bad); err == nil {
		t.Error("ParsePubCoin accepted an invalid prefix")
	}
}

func TestNewPrivateKey(t *testing.T) {
	params := DefaultParams()

	k1, err := NewPrivateKey(params, testSeed64(7))
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	k2, err := NewPrivateKey(params, testSeed64(7))
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	if ScalarBytes(&k1.Serial) != ScalarBytes(&k2.Serial) {
		t.Error("serial is not deterministic")
	}
	if ScalarBytes(&k1.Randomness) != ScalarBytes(&k2.Randomness) {
		t.Error("randomness is not deterministic")
	}
	if k1.SigningKey != k2.SigningKey {
		t.Error("signing key is not deterministic")
	}
	if !k1.PublicCoin().IsEqual(k2.PublicCoin()) {
		t.Error("public coin is not deterministic")
	}

	k3, err := NewPrivateKey(params, testSeed64(8))
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	if k1.PublicCoin().IsEqual(k3.PublicCoin()) {
		t.Error("different seeds derived the same coin")
	}

	// The public coin is the commitment to the serial.
	want := params.Commit(&k1.Serial, &k1.Randomness)
	if !k1.PublicCoin().IsEqual(want) {
		t.Error("public coin does not match the commitment")
	}
}

func TestNewPrivateKeySigningKey(t *testing.T) {
	seed := testSeed64(7)
	k, err := NewPrivateKey(DefaultParams(), seed)
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	// A seed half that already encodes a valid key still gets one hash
	// round.  The raw half is never the signing key.
	var rawHalf [32]byte
	copy(rawHalf[:], seed[:32])
	if k.SigningKey == rawHalf {
		t.Fatal("signing key is the raw first seed half")
	}
	if want := sha256.Sum256(rawHalf[:]); k.SigningKey != want {
		t.Errorf("signing key = %x, want the seed half digest %x",
			k.SigningKey, want)
	}
}

func TestPrivateKeyZero(t *testing.T) {
	k, err := NewPrivateKey(DefaultParams(), testSeed64(9))
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	k.Zero()
	if !k.Serial.IsZero() || !k.Randomness.IsZero() {
		t.Error("scalars were not wiped")
	}
	if k.SigningKey != [32]byte{} {
		t.Error("signing key was not wiped")
	}
}

func TestNewMintEntryId(t *testing.T) {
	params := DefaultParams()
	serial, _ := ScalarFromSeed([32]byte{50})
	randomness, _ := ScalarFromSeed([32]byte{51})
	coin := params.Commit(&serial, &randomness)

	seedIdA := bytes.Repeat([]byte{0xaa}, 20)
	seedIdB := bytes.Repeat([]byte{0xbb}, 20)

	id1 := NewMintEntryId(coin, seedIdA)
	id2 := NewMintEntryId(coin, seedIdA)
	if id1 != id2 {
		t.Error("mint entry id is not deterministic")
	}
	if id1.IsZero() {
		t.Error("mint entry id is zero")
	}

	// Both the coin and the seed id feed the hash.
	if id1 == NewMintEntryId(coin, seedIdB) {
		t.Error("changing the seed id did not change the id")
	}
	otherCoin := params.Commit(&randomness, &serial)
	if id1 == NewMintEntryId(otherCoin, seedIdA) {
		t.Error("changing the coin did not change the id")
	}
}

func TestNewSerialId(t *testing.T) {
	serial, _ := ScalarFromSeed([32]byte{60})
	other, _ := ScalarFromSeed([32]byte{61})

	id1 := NewSerialId(&serial)
	id2 := NewSerialId(&serial)
	if id1 != id2 {
		t.Error("serial id is not deterministic")
	}
	if id1 == NewSerialId(&other) {
		t.Error("different serials share a serial id")
	}
	if len(id1.String()) != SerialIdSize*2 {
		t.Errorf("serial id hex is %d chars, want %d",
			len(id1.String()), SerialIdSize*2)
	}
}
