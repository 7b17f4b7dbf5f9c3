package otp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

// rfc2289Vectors are the published test vectors from RFC 2289 Appendix C.
var rfc2289Vectors = []struct {
	algo       Algorithm
	passphrase string
	seed       string
	count      int
	hex        string
	words      string
}{
	{MD5, "This is a test.", "TeSt", 0, "9E876134D90499DD", "INCH SEA ANNE LONG AHEM TOUR"},
	{MD5, "This is a test.", "TeSt", 1, "7965E05436F5029F", "EASE OIL FUM CURE AWRY AVIS"},
	{MD5, "This is a test.", "TeSt", 99, "50FE1962C4965880", "BAIL TUFT BITS GANG CHEF THY"},
	{MD5, "AbCdEfGhIjK", "alpha1", 0, "87066DD9644BF206", "FULL PEW DOWN ONCE MORT ARC"},
	{MD5, "AbCdEfGhIjK", "alpha1", 1, "7CD34C1040ADD14B", "FACT HOOF AT FIST SITE KENT"},
	{MD5, "AbCdEfGhIjK", "alpha1", 99, "5AA37A81F212146C", "BODE HOP JAKE STOW JUT RAP"},
	{MD5, "OTP's are good", "correct", 0, "F205753943DE4CF9", "ULAN NEW ARMY FUSE SUIT EYED"},
	{MD5, "OTP's are good", "correct", 99, "B203E28FA525BE47", "LONG IVY JULY AJAR BOND LEE"},
	{SHA1, "This is a test.", "TeSt", 0, "BB9E6AE1979D8FF4", "MILT VARY MAST OK SEES WENT"},
	{SHA1, "This is a test.", "TeSt", 1, "63D936639734385B", "CART OTTO HIVE ODE VAT NUT"},
	{SHA1, "This is a test.", "TeSt", 99, "87FEC7768B73CCF9", "GAFF WAIT SKID GIG SKY EYED"},
	{SHA1, "AbCdEfGhIjK", "alpha1", 0, "AD85F658EBE383C9", "LEST OR HEEL SCOT ROB SUIT"},
	{SHA1, "AbCdEfGhIjK", "alpha1", 1, "D07CE229B5CF119B", "RITE TAKE GELD COST TUNE RECK"},
	{SHA1, "AbCdEfGhIjK", "alpha1", 99, "27BC71035AAF3DC6", "MAY STAR TIN LYON VEDA STAN"},
	{SHA1, "OTP's are good", "correct", 0, "D51F3E99BF8E6F0B", "RUST WELT KICK FELL TAIL FRAU"},
	{SHA1, "OTP's are good", "correct", 1, "82AEB52D943774E4", "FLIT DOSE ALSO MEW DRUM DEFY"},
	{SHA1, "OTP's are good", "correct", 99, "4F296A74FE1567EC", "AURA ALOE HURL WING BERG WAIT"},
}

func TestChainMatchesRFC2289Vectors(t *testing.T) {
	// This test validates hashing, folding and the six-word encoding against the published vectors.
	for _, v := range rfc2289Vectors {
		chain, err := Chain(v.algo, v.seed, v.passphrase, v.count)
		if err != nil {
			t.Fatalf("%s %s/%d: unexpected error %v", v.algo, v.seed, v.count, err)
		}
		got := strings.ToUpper(hex.EncodeToString(chain[v.count]))
		if got != v.hex {
			t.Errorf("%s %s/%d: expected hex %s, got %s", v.algo, v.seed, v.count, v.hex, got)
		}
		words, err := ToReadable(chain[v.count])
		if err != nil {
			t.Fatalf("ToReadable failed: %v", err)
		}
		if words != v.words {
			t.Errorf("%s %s/%d: expected %q, got %q", v.algo, v.seed, v.count, v.words, words)
		}
		pw, err := Password(v.algo, v.seed, v.passphrase, v.count)
		if err != nil || pw != v.words {
			t.Errorf("Password(%s,%d) = %q, %v; want %q", v.seed, v.count, pw, err, v.words)
		}
	}
}

func TestFromReadableAcceptsWordsAndHex(t *testing.T) {
	// This test checks that both readable forms decode to the same bytes, ignoring case and padding.
	want, _ := hex.DecodeString("9E876134D90499DD")
	inputs := []string{
		"INCH SEA ANNE LONG AHEM TOUR",
		"  inch sea anne long ahem tour\n",
		"Inch  Sea Anne Long Ahem Tour\x00\x00",
		"9E876134D90499DD",
		"9e87 6134 d904 99dd",
	}
	for _, in := range inputs {
		got, err := FromReadable(in)
		if err != nil {
			t.Errorf("FromReadable(%q) failed: %v", in, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("FromReadable(%q) = %x, want %x", in, got, want)
		}
	}
}

func TestFromReadableRejectsNoise(t *testing.T) {
	// This test validates that non-OTP payloads are reported as ErrInvalidOTP.
	inputs := []string{
		"",
		"GET / HTTP/1.1",
		"INCH SEA ANNE LONG AHEM",
		"INCH SEA ANNE LONG AHEM TOUT",
		"INCH SEA ANNE LONG AHEM XYZZY",
		"9E876134D90499",
		"ZZ876134D90499DD",
	}
	for _, in := range inputs {
		if _, err := FromReadable(in); !errors.Is(err, ErrInvalidOTP) {
			t.Errorf("FromReadable(%q): expected ErrInvalidOTP, got %v", in, err)
		}
	}
}

func TestGetOTPDataOrdersPasswordsForUse(t *testing.T) {
	// This test checks that each readable password hashes to the value before it, starting at FirstOTP.
	data, err := GetOTPData(SHA1, "knock", "pass phrase", 5)
	if err != nil {
		t.Fatalf("GetOTPData failed: %v", err)
	}
	if len(data.Readable) != 5 || len(data.FirstOTP) != Size {
		t.Fatalf("unexpected shape: %d passwords, first OTP %d bytes", len(data.Readable), len(data.FirstOTP))
	}
	next := data.FirstOTP
	for i, pw := range data.Readable {
		raw, err := FromReadable(pw)
		if err != nil {
			t.Fatalf("password %d (%q) did not decode: %v", i, pw, err)
		}
		folded, err := Step(SHA1, raw)
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !bytes.Equal(folded, next) {
			t.Fatalf("password %d does not verify against the previous value", i)
		}
		next = raw
	}
	if _, err := GetOTPData(SHA1, "knock", "pass", 0); err == nil {
		t.Fatalf("expected count 0 to be rejected")
	}
}

func TestAlgorithmNames(t *testing.T) {
	// This test validates algorithm parsing for the spellings operators use.
	for in, want := range map[string]Algorithm{"md5": MD5, "MD5": MD5, "sha1": SHA1, "SHA-1": SHA1} {
		got, err := ParseAlgorithm(in)
		if err != nil || got != want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if ValidAlgorithm("md4") {
		t.Errorf("expected md4 to be rejected")
	}
	if _, err := Fold(Algorithm("md4"), make([]byte, 16)); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
	}
	if _, err := Fold(SHA1, make([]byte, 16)); !errors.Is(err, ErrInvalidOTP) {
		t.Errorf("expected short sha1 digest to be rejected, got %v", err)
	}
}

func TestDictionaryLookup(t *testing.T) {
	// This test checks the embedded dictionary boundaries and case-insensitive lookup.
	if w, _ := Word(0); w != "A" {
		t.Errorf("expected first word A, got %q", w)
	}
	if w, _ := Word(2047); w != "YOKE" {
		t.Errorf("expected last word YOKE, got %q", w)
	}
	if i, ok := WordIndex("inch"); !ok || i != 1268 {
		t.Errorf("expected INCH at 1268, got %d (%v)", i, ok)
	}
	if _, ok := Word(2048); ok {
		t.Errorf("expected index 2048 to be out of range")
	}
}
