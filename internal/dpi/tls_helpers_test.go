package dpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desync-engine/internal/testutil"
)

func TestIsClientHello(t *testing.T) {
	assert.True(t, IsClientHello([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01, 0x00}))
	assert.False(t, IsClientHello([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01}), "short")
	assert.False(t, IsClientHello([]byte{0x17, 0x03, 0x01, 0x00, 0x10, 0x01, 0x00}), "application data")
	assert.False(t, IsClientHello([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x02, 0x00}), "server hello")
}

func TestHasSNIExtensionSynthetic(t *testing.T) {
	for _, name := range []string{"a", "example.com", string(make([]byte, 300))} {
		hello := testutil.ClientHello(name, 0)
		assert.True(t, HasSNIExtension(hello), "sni len %d", len(name))
	}
	assert.False(t, HasSNIExtension(testutil.ClientHello("", 0)))
	assert.False(t, HasSNIExtension(testutil.ClientHello("", 400)), "padding only")
}

func TestHasSNIExtensionBrowserHello(t *testing.T) {
	hello := testutil.ChromeClientHello(t, "example.com")
	require.True(t, IsClientHello(hello))
	assert.True(t, HasSNIExtension(hello))

	sni, ok := ExtractSNI(hello)
	require.True(t, ok)
	assert.Equal(t, "example.com", sni)
}

func TestHasSNIExtensionTruncation(t *testing.T) {
	hello := testutil.ClientHello("example.com", 0)
	sniEnd := FindSNIOffset(hello) + len("example.com")
	require.Greater(t, sniEnd, 0)

	for n := 0; n <= len(hello); n++ {
		got := HasSNIExtension(hello[:n])
		if n < sniEnd {
			assert.False(t, got, "truncated at %d", n)
		}
	}
	assert.True(t, HasSNIExtension(hello))
}

func TestHasSNIExtensionRejectsOverlongExtension(t *testing.T) {
	hello := testutil.ClientHello("example.com", 0)
	off := FindSNIOffset(hello)
	require.Greater(t, off, 9)

	// Extension header sits 9 bytes before the host name:
	// type(2) len(2) list_len(2) name_type(1) host_len(2).
	bad := append([]byte(nil), hello...)
	bad[off-7] = 0xff
	bad[off-6] = 0xff
	assert.False(t, HasSNIExtension(bad))
}

func TestFindSNIOffset(t *testing.T) {
	hello := testutil.ClientHello("example.com", 0)
	off := FindSNIOffset(hello)
	require.Greater(t, off, 0)
	assert.Equal(t, "example.com", string(hello[off:off+len("example.com")]))

	assert.Equal(t, -1, FindSNIOffset(testutil.ClientHello("", 0)))
	assert.Equal(t, -1, FindSNIOffset([]byte{0x16, 0x03}))
}

func TestExtractSNINormalizes(t *testing.T) {
	sni, ok := ExtractSNI(testutil.ClientHello("Example.COM", 0))
	require.True(t, ok)
	assert.Equal(t, "example.com", sni)

	_, ok = ExtractSNI(testutil.ClientHello("", 0))
	assert.False(t, ok)
}

func FuzzHasSNIExtension(f *testing.F) {
	f.Add(testutil.ClientHello("example.com", 0))
	f.Add(testutil.ClientHello("", 200))
	f.Add([]byte{0x16, 0x03, 0x01, 0xff, 0xff, 0x01, 0xff, 0xff, 0xff})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		has := HasSNIExtension(data)
		off := FindSNIOffset(data)
		if off >= 0 && !has {
			t.Fatalf("offset %d found without extension", off)
		}
		if off > len(data) {
			t.Fatalf("offset %d beyond %d bytes", off, len(data))
		}
		ExtractSNI(data)
	})
}
