// Package testutil builds ClientHellos and raw IP frames for package tests.
package testutil

import (
	"net"
	"testing"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/cryptobyte"
)

const (
	extServerName        = 0x0000
	extPadding           = 0x0015
	extSupportedVersions = 0x002b
)

// ClientHello builds a minimal TLS 1.3 ClientHello record. An empty sni omits
// the server_name extension. When padTo exceeds the natural size by at least
// four bytes a padding extension brings the record to exactly padTo bytes.
func ClientHello(sni string, padTo int) []byte {
	raw := buildHello(sni, -1)
	if pad := padTo - len(raw) - 4; pad >= 0 {
		raw = buildHello(sni, pad)
	}
	return raw
}

func buildHello(sni string, pad int) []byte {
	var b cryptobyte.Builder
	b.AddUint8(0x16)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(rec *cryptobyte.Builder) {
		rec.AddUint8(0x01)
		rec.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
			hs.AddUint16(0x0303)
			hs.AddBytes(make([]byte, 32))
			hs.AddUint8LengthPrefixed(func(sid *cryptobyte.Builder) {
				sid.AddBytes(make([]byte, 32))
			})
			hs.AddUint16LengthPrefixed(func(cs *cryptobyte.Builder) {
				cs.AddUint16(0x1301)
				cs.AddUint16(0xc02f)
			})
			hs.AddUint8LengthPrefixed(func(cm *cryptobyte.Builder) {
				cm.AddUint8(0)
			})
			hs.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
				ext.AddUint16(extSupportedVersions)
				ext.AddUint16LengthPrefixed(func(d *cryptobyte.Builder) {
					d.AddUint8LengthPrefixed(func(v *cryptobyte.Builder) {
						v.AddUint16(0x0304)
					})
				})
				if sni != "" {
					ext.AddUint16(extServerName)
					ext.AddUint16LengthPrefixed(func(d *cryptobyte.Builder) {
						d.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
							list.AddUint8(0)
							list.AddUint16LengthPrefixed(func(h *cryptobyte.Builder) {
								h.AddBytes([]byte(sni))
							})
						})
					})
				}
				if pad >= 0 {
					ext.AddUint16(extPadding)
					ext.AddUint16LengthPrefixed(func(d *cryptobyte.Builder) {
						d.AddBytes(make([]byte, pad))
					})
				}
			})
		})
	})
	return b.BytesOrPanic()
}

// ChromeClientHello returns a browser-shaped ClientHello record generated by
// utls for serverName.
func ChromeClientHello(t testing.TB, serverName string) []byte {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	uconn := utls.UClient(client, &utls.Config{ServerName: serverName}, utls.HelloChrome_Auto)
	if err := uconn.BuildHandshakeState(); err != nil {
		t.Fatalf("build handshake state: %v", err)
	}
	hello := uconn.HandshakeState.Hello.Raw
	if len(hello) == 0 || len(hello) > 0xffff {
		t.Fatalf("unexpected ClientHello size %d", len(hello))
	}

	rec := make([]byte, 5, 5+len(hello))
	rec[0], rec[1], rec[2] = 0x16, 0x03, 0x01
	rec[3], rec[4] = byte(len(hello)>>8), byte(len(hello))
	return append(rec, hello...)
}
