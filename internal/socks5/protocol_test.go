package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestReadGreeting(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr error
	}{
		{"no_auth_offered", []byte{0x05, 0x01, 0x00}, []byte{0x00}, nil},
		{"multiple_methods", []byte{0x05, 0x02, 0x00, 0x02}, []byte{0x00, 0x02}, nil},
		{"zero_methods", []byte{0x05, 0x00}, nil, nil},
		{"bad_version", []byte{0x04, 0x01, 0x00}, nil, ErrBadGreeting},
		{"too_many_methods", append([]byte{0x05, 0xFF}, make([]byte, 0xFF)...), nil, ErrBadGreeting},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadGreeting(bytes.NewReader(tc.in))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got err %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got methods %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSelectMethod(t *testing.T) {
	if got := SelectMethod([]byte{0x01, 0x00, 0x02}); got != methodNoAuth {
		t.Errorf("got 0x%02x, want methodNoAuth", got)
	}
	if got := SelectMethod([]byte{0x01, 0x02}); got != methodNoAccept {
		t.Errorf("got 0x%02x, want methodNoAccept", got)
	}
	if got := SelectMethod(nil); got != methodNoAccept {
		t.Errorf("got 0x%02x, want methodNoAccept for empty offer", got)
	}
}

func TestWriteGreetingReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteGreetingReply(&buf, methodNoAuth); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x05, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %v, want %v", buf.Bytes(), want)
	}
}

func TestReadRequest_IPv4(t *testing.T) {
	frame := []byte{0x05, cmdConnect, 0x00, byte(AddrIPv4), 93, 184, 216, 34, 0x00, 0x50}
	cmd, req, err := ReadRequest(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != cmdConnect {
		t.Errorf("got cmd 0x%02x, want cmdConnect", cmd)
	}
	if req.Address.Type != AddrIPv4 || !req.Address.IP.Equal(net.IPv4(93, 184, 216, 34)) {
		t.Errorf("got address %+v", req.Address)
	}
	if req.Port != 80 {
		t.Errorf("got port %d, want 80", req.Port)
	}
}

func TestReadRequest_Domain(t *testing.T) {
	domain := "example.com"
	frame := []byte{0x05, cmdConnect, 0x00, byte(AddrDomain), byte(len(domain))}
	frame = append(frame, domain...)
	frame = append(frame, 0x01, 0xBB) // port 443
	cmd, req, err := ReadRequest(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != cmdConnect || req.Address.Type != AddrDomain || req.Address.Domain != domain || req.Port != 443 {
		t.Errorf("got cmd=0x%02x address=%+v port=%d", cmd, req.Address, req.Port)
	}
}

func TestReadRequest_UnsupportedCommand(t *testing.T) {
	frame := []byte{0x05, 0x02, 0x00, byte(AddrIPv4), 127, 0, 0, 1, 0x00, 0x50}
	cmd, req, err := ReadRequest(bytes.NewReader(frame))
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("got err %v, want ErrUnsupportedCommand", err)
	}
	// the address/port must still be parsed out so the caller can reply sanely.
	if cmd != 0x02 || req.Port != 80 {
		t.Errorf("got cmd=0x%02x req=%+v", cmd, req)
	}
}

func TestReadRequest_BadVersion(t *testing.T) {
	frame := []byte{0x04, cmdConnect, 0x00, byte(AddrIPv4), 127, 0, 0, 1, 0x00, 0x50}
	_, _, err := ReadRequest(bytes.NewReader(frame))
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("got err %v, want ErrBadRequest", err)
	}
}

func TestReadRequest_UnsupportedAddrType(t *testing.T) {
	frame := []byte{0x05, cmdConnect, 0x00, 0x7F, 0x00, 0x50}
	_, _, err := ReadRequest(bytes.NewReader(frame))
	if !errors.Is(err, ErrUnsupportedAddrType) {
		t.Fatalf("got err %v, want ErrUnsupportedAddrType", err)
	}
}

func TestReadRequest_InvalidUTF8Domain(t *testing.T) {
	frame := []byte{0x05, cmdConnect, 0x00, byte(AddrDomain), 0x02, 0xFF, 0xFE, 0x00, 0x50}
	_, _, err := ReadRequest(bytes.NewReader(frame))
	if !errors.Is(err, ErrBadAddress) {
		t.Fatalf("got err %v, want ErrBadAddress", err)
	}
}

func TestWriteReply_Failure(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplyNotAllowed, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x05, byte(ReplyNotAllowed), 0x00, byte(AddrIPv4), 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %v, want %v", buf.Bytes(), want)
	}
}

func TestWriteReply_SuccessIPv4(t *testing.T) {
	var buf bytes.Buffer
	bound := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}
	if err := WriteReply(&buf, ReplySuccess, bound); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x05, 0x00, 0x00, byte(AddrIPv4), 10, 0, 0, 1, 0x23, 0x28}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %v, want %v", buf.Bytes(), want)
	}
}

func TestWriteReply_SuccessIPv6(t *testing.T) {
	var buf bytes.Buffer
	ip := net.ParseIP("2001:db8::1")
	bound := &net.TCPAddr{IP: ip, Port: 1080}
	if err := WriteReply(&buf, ReplySuccess, bound); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := buf.Bytes()
	if got[0] != version || got[1] != byte(ReplySuccess) || got[3] != byte(AddrIPv6) {
		t.Fatalf("got header %v", got[:4])
	}
	if len(got) != 4+16+2 {
		t.Fatalf("got length %d, want %d", len(got), 4+16+2)
	}
}

// TestRequestRoundTrip covers the write/read round-trip property: writing a
// request and reading it back yields an equivalent Request for every address
// family.
func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Address: Address{Type: AddrIPv4, IP: net.IPv4(198, 51, 100, 7).To4()}, Port: 22},
		{Address: Address{Type: AddrIPv6, IP: net.ParseIP("2001:db8::dead:beef")}, Port: 8443},
		{Address: Address{Type: AddrDomain, Domain: "proxy.example.org"}, Port: 443},
	}
	for _, req := range cases {
		var buf bytes.Buffer
		if err := WriteRequest(&buf, cmdConnect, req); err != nil {
			t.Fatalf("WriteRequest: %v", err)
		}
		cmd, got, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("ReadRequest: %v", err)
		}
		if cmd != cmdConnect {
			t.Errorf("got cmd 0x%02x, want cmdConnect", cmd)
		}
		if got.Address.Type != req.Address.Type || got.Port != req.Port {
			t.Errorf("got %+v, want %+v", got, req)
		}
		switch req.Address.Type {
		case AddrIPv4, AddrIPv6:
			if !got.Address.IP.Equal(req.Address.IP) {
				t.Errorf("got IP %v, want %v", got.Address.IP, req.Address.IP)
			}
		case AddrDomain:
			if got.Address.Domain != req.Address.Domain {
				t.Errorf("got domain %q, want %q", got.Address.Domain, req.Address.Domain)
			}
		}
	}
}

func TestAddressString(t *testing.T) {
	if got := (Address{Type: AddrIPv4, IP: net.IPv4(1, 2, 3, 4)}).String(); got != "1.2.3.4" {
		t.Errorf("got %q", got)
	}
	if got := (Address{Type: AddrDomain, Domain: "host.example"}).String(); got != "host.example" {
		t.Errorf("got %q", got)
	}
}
