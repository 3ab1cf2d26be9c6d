package scheduler

import "testing"

func TestParseLineOK(t *testing.T) {
	msg := parseLine("OK\n")
	if msg.Kind != msgOK {
		t.Fatalf("Kind = %v, want msgOK", msg.Kind)
	}
}

func TestParseLineBye(t *testing.T) {
	msg := parseLine("BYE 0\n")
	if msg.Kind != msgBye || msg.N != 0 {
		t.Fatalf("got %+v, want Kind=msgBye N=0", msg)
	}
}

func TestParseLineByeNonzero(t *testing.T) {
	msg := parseLine("BYE 2\n")
	if msg.Kind != msgBye || msg.N != 2 {
		t.Fatalf("got %+v, want Kind=msgBye N=2", msg)
	}
}

func TestParseLineItem(t *testing.T) {
	msg := parseLine("ITEM 17\n")
	if msg.Kind != msgItem || msg.N != 17 {
		t.Fatalf("got %+v, want Kind=msgItem N=17", msg)
	}
}

func TestParseLineHeartSingle(t *testing.T) {
	msg := parseLine("HEART: 5\n")
	if msg.Kind != msgHeart || msg.N != 5 || msg.M != 0 {
		t.Fatalf("got %+v, want Kind=msgHeart N=5 M=0", msg)
	}
}

func TestParseLineHeartPair(t *testing.T) {
	msg := parseLine("HEART: 5 100\n")
	if msg.Kind != msgHeart || msg.N != 5 || msg.M != 100 {
		t.Fatalf("got %+v, want Kind=msgHeart N=5 M=100", msg)
	}
}

func TestParseLineEmail(t *testing.T) {
	msg := parseLine("EMAIL: job finished early\n")
	if msg.Kind != msgEmail || msg.Text != "job finished early" {
		t.Fatalf("got %+v", msg)
	}
}

func TestParseLineLog(t *testing.T) {
	msg := parseLine("LOG: processed 10 files\n")
	if msg.Kind != msgLog || msg.Text != "processed 10 files" {
		t.Fatalf("got %+v", msg)
	}
}

func TestParseLineVerbose(t *testing.T) {
	msg := parseLine("VERBOSE: debug detail\n")
	if msg.Kind != msgVerbose || msg.Text != "debug detail" {
		t.Fatalf("got %+v", msg)
	}
}

func TestParseLineUnknownVerb(t *testing.T) {
	msg := parseLine("SPLAT: 1\n")
	if msg.Kind != msgUnknown {
		t.Fatalf("Kind = %v, want msgUnknown", msg.Kind)
	}
}

func TestParseLineLowercaseKeyRejected(t *testing.T) {
	msg := parseLine("heart: 5\n")
	if msg.Kind != msgUnknown {
		t.Fatalf("Kind = %v, want msgUnknown for lowercase key", msg.Kind)
	}
}

func TestParseLineGarbage(t *testing.T) {
	msg := parseLine("not a protocol line at all")
	if msg.Kind != msgUnknown {
		t.Fatalf("Kind = %v, want msgUnknown", msg.Kind)
	}
}

func TestParseLineMalformedHeart(t *testing.T) {
	msg := parseLine("HEART: notanumber\n")
	if msg.Kind != msgUnknown {
		t.Fatalf("Kind = %v, want msgUnknown for non-numeric HEART body", msg.Kind)
	}
}

func TestParseLineInvalidUTF8(t *testing.T) {
	msg := parseLine("HEART: 5 \xff\xfe\n")
	if msg.Kind != msgUnknown {
		t.Fatalf("Kind = %v, want msgUnknown for invalid UTF-8", msg.Kind)
	}
}
