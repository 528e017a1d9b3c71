package signer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/ipa-resign/internal/testutil"
)

func blob(magic uint32, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, magic)
	binary.BigEndian.PutUint32(b[4:], uint32(8+len(payload)))
	return append(b, payload...)
}

// codeDirectory builds a version 0x20400 CodeDirectory with no hash slots.
func codeDirectory(id, team string, hashType uint8) []byte {
	const header = 88
	cd := make([]byte, header)
	binary.BigEndian.PutUint32(cd[0:], magicCodeDirectory)
	binary.BigEndian.PutUint32(cd[8:], 0x20400)
	binary.BigEndian.PutUint32(cd[20:], header)
	binary.BigEndian.PutUint32(cd[48:], uint32(header+len(id)+1))
	cd[36] = 32
	cd[37] = hashType
	cd[39] = 12
	cd = append(cd, id...)
	cd = append(cd, 0)
	cd = append(cd, team...)
	cd = append(cd, 0)
	binary.BigEndian.PutUint32(cd[4:], uint32(len(cd)))
	return cd
}

type slotBlob struct {
	slot uint32
	data []byte
}

func superBlob(blobs ...slotBlob) []byte {
	off := 12 + 8*len(blobs)
	out := make([]byte, off)
	binary.BigEndian.PutUint32(out[0:], magicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[8:], uint32(len(blobs)))
	for i, b := range blobs {
		binary.BigEndian.PutUint32(out[12+8*i:], b.slot)
		binary.BigEndian.PutUint32(out[16+8*i:], uint32(len(out)))
		out = append(out, b.data...)
	}
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	return out
}

func TestParseSuperBlob(t *testing.T) {
	id := testutil.NewIdentity(t, "ABCDE12345")
	sd, err := pkcs7.NewSignedData([]byte("code directory"))
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(id.Certificate, id.Key, pkcs7.SignerInfoConfig{}))
	sd.Detach()
	cms, err := sd.Finish()
	require.NoError(t, err)

	ents := []byte("<plist><dict/></plist>")
	sig, err := parseSuperBlob(superBlob(
		slotBlob{slotCodeDirectory, codeDirectory("com.example.myapp", "ABCDE12345", 1)},
		slotBlob{slotEntitlements, blob(magicEntitlements, ents)},
		slotBlob{slotAlternateCD, codeDirectory("com.example.myapp", "ABCDE12345", 2)},
		slotBlob{slotSignature, blob(magicBlobWrapper, cms)},
	))
	require.NoError(t, err)
	assert.Equal(t, "com.example.myapp", sig.Identifier)
	assert.Equal(t, "ABCDE12345", sig.TeamID)
	assert.Equal(t, []string{"sha1", "sha256"}, sig.HashTypes)
	assert.Equal(t, ents, sig.Entitlements)
	assert.Equal(t, id.Certificate.Subject.CommonName, sig.SignerCN)
	assert.False(t, sig.Adhoc())
}

func TestParseSuperBlobAdhoc(t *testing.T) {
	sig, err := parseSuperBlob(superBlob(
		slotBlob{slotCodeDirectory, codeDirectory("Foo", "", 2)},
		slotBlob{slotSignature, blob(magicBlobWrapper, nil)},
	))
	require.NoError(t, err)
	assert.Equal(t, "Foo", sig.Identifier)
	assert.Empty(t, sig.TeamID)
	assert.True(t, sig.Adhoc())
}

func TestParseSuperBlobErrors(t *testing.T) {
	_, err := parseSuperBlob([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "too short")

	bad := superBlob()
	binary.BigEndian.PutUint32(bad, 0xdeadbeef)
	_, err = parseSuperBlob(bad)
	assert.ErrorContains(t, err, "invalid SuperBlob magic")

	truncated := superBlob()
	binary.BigEndian.PutUint32(truncated[8:], 10)
	_, err = parseSuperBlob(truncated)
	assert.ErrorContains(t, err, "blob index")

	_, err = parseSuperBlob(superBlob(slotBlob{slotEntitlements, blob(magicEntitlements, nil)}))
	assert.ErrorContains(t, err, "no code directory")
}

func TestInspectUnsigned(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "Foo")
	require.NoError(t, os.WriteFile(bin, bareMachO(), 0755))
	_, err := Inspect(bin)
	assert.ErrorContains(t, err, "no code signature found")

	txt := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(txt, []byte("hello, world"), 0644))
	_, err = Inspect(txt)
	assert.ErrorContains(t, err, "not a Mach-O binary")

	_, err = Inspect(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
