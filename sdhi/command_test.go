package sdhi

import "testing"

func TestCommandFields(t *testing.T) {
	tests := map[string]struct {
		cmd                    Command
		index                  uint8
		resp                   Response
		app, data, read, multi bool
	}{
		"GoIdle":    {CmdGoIdle, 0, RespNone, false, false, false, false},
		"ReadMulti": {CmdReadMulti, 18, RespR1, false, true, true, true},
		"Write":     {CmdWriteSingle, 24, RespR1, false, true, false, false},
		"SendSCR":   {AcmdSendSCR, 51, RespR1, true, true, true, false},
		"OpCond":    {AcmdSendOpCond, 41, RespR3, true, false, false, false},
		"Select":    {CmdSelect, 7, RespR1b, false, false, false, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := Decode(uint64(tc.cmd))
			if c.Index() != tc.index || c.Response() != tc.resp {
				t.Fatalf("expected %d/%#x, got %d/%#x", tc.index, tc.resp, c.Index(), c.Response())
			}
			if c.App() != tc.app || c.Data() != tc.data || c.Read() != tc.read || c.Multi() != tc.multi {
				t.Fatalf("unexpected flags in %#x", uint32(c))
			}
		})
	}
}

func TestHighest(t *testing.T) {
	tests := []struct {
		in, out Info2
	}{
		{0, 0},
		{Info2ReadReady | Info2CmdBusy, 0},
		{Info2CmdError, Info2CmdError},
		{Info2CRCError | Info2CmdError, Info2CRCError},
		{Info2RespTimeout | Info2DataTimeout | Info2CRCError, Info2RespTimeout},
		{Info2IllegalAccess | Info2RespTimeout, Info2IllegalAccess},
		{Info2BufUnderrun | Info2BufOverflow | Info2WriteReady, Info2BufUnderrun},
	}
	for _, tc := range tests {
		if got := tc.in.Highest(); got != tc.out {
			t.Errorf("%#04x: expected %#04x, got %#04x", tc.in, tc.out, got)
		}
	}
}

func TestR6(t *testing.T) {
	s := StatusComCRCError | StatusIllegalCommand | StatusError |
		StatusReadyForData | StatusAppCmd
	s = s.WithState(StateIdent)
	r := R6(0xb368, s)
	if r>>16 != 0xb368 {
		t.Fatalf("expected rca %#x, got %#x", 0xb368, r>>16)
	}
	if got := StatusFromR6(r); got != s {
		t.Fatalf("expected status %#08x, got %#08x", s, got)
	}
	if StatusFromR6(r).State() != StateIdent {
		t.Fatal("state lost")
	}
}
