package signer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
)

// Code signature blob magics and slots.
const (
	magicEmbeddedSignature = 0xfade0cc0
	magicCodeDirectory     = 0xfade0c02
	magicEntitlements      = 0xfade7171
	magicBlobWrapper       = 0xfade0b01

	slotCodeDirectory = 0
	slotEntitlements  = 5
	slotAlternateCD   = 0x1000
	slotSignature     = 0x10000
)

var hashTypeNames = map[uint8]string{1: "sha1", 2: "sha256", 3: "sha256-truncated", 4: "sha384"}

// Signature summarizes the embedded code signature of a Mach-O.
type Signature struct {
	Identifier string
	TeamID     string
	HashTypes  []string
	// Entitlements is the XML entitlements blob, if present.
	Entitlements []byte
	// SignerCN is empty for ad-hoc signatures.
	SignerCN string
}

// Adhoc reports whether the signature carries no CMS signer.
func (s *Signature) Adhoc() bool {
	return s.SignerCN == ""
}

// Inspect parses the code signature of the Mach-O at path. For universal
// binaries the first slice is inspected.
func Inspect(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	blob, err := signatureBlob(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return parseSuperBlob(blob)
}

// signatureBlob returns the bytes LC_CODE_SIGNATURE points at.
func signatureBlob(data []byte) ([]byte, error) {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		fat, ferr := macho.NewFatFile(bytes.NewReader(data))
		if ferr != nil {
			return nil, fmt.Errorf("not a Mach-O binary: %w", err)
		}
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("universal binary has no slices")
		}
		a := fat.Arches[0]
		end := uint64(a.Offset) + uint64(a.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("slice extends beyond file")
		}
		return signatureBlob(data[a.Offset:end])
	}
	defer m.Close()

	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			end := uint64(cs.Offset) + uint64(cs.Size)
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("code signature extends beyond file")
			}
			return data[cs.Offset:end], nil
		}
	}
	return nil, fmt.Errorf("no code signature found")
}

func parseSuperBlob(sig []byte) (*Signature, error) {
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig); magic != magicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}
	count := binary.BigEndian.Uint32(sig[8:])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	s := &Signature{}
	for i := uint32(0); i < count; i++ {
		entry := sig[12+i*8:]
		slot := binary.BigEndian.Uint32(entry)
		off := binary.BigEndian.Uint32(entry[4:])
		if uint64(off)+8 > uint64(len(sig)) {
			continue
		}
		magic := binary.BigEndian.Uint32(sig[off:])
		size := binary.BigEndian.Uint32(sig[off+4:])
		if size < 8 || uint64(off)+uint64(size) > uint64(len(sig)) {
			continue
		}
		blob := sig[off : off+size]

		switch {
		case isCodeDirectorySlot(slot) && magic == magicCodeDirectory:
			s.addCodeDirectory(blob)
		case slot == slotEntitlements && magic == magicEntitlements:
			s.Entitlements = blob[8:]
		case slot == slotSignature && magic == magicBlobWrapper:
			s.SignerCN = cmsSignerCN(blob[8:])
		}
	}
	if s.Identifier == "" && len(s.HashTypes) == 0 {
		return nil, fmt.Errorf("signature has no code directory")
	}
	return s, nil
}

func isCodeDirectorySlot(slot uint32) bool {
	return slot == slotCodeDirectory || (slot >= slotAlternateCD && slot < slotAlternateCD+5)
}

func (s *Signature) addCodeDirectory(cd []byte) {
	if len(cd) < 44 {
		return
	}
	version := binary.BigEndian.Uint32(cd[8:])
	if s.Identifier == "" {
		s.Identifier = cString(cd, binary.BigEndian.Uint32(cd[20:]))
	}
	if name, ok := hashTypeNames[cd[37]]; ok {
		s.HashTypes = append(s.HashTypes, name)
	}
	if s.TeamID == "" && version >= 0x20200 && len(cd) >= 52 {
		if off := binary.BigEndian.Uint32(cd[48:]); off > 0 {
			s.TeamID = cString(cd, off)
		}
	}
}

func cString(b []byte, off uint32) string {
	if uint64(off) >= uint64(len(b)) {
		return ""
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

// cmsSignerCN returns the common name of the certificate that produced the
// CMS signature, or "" for an empty (ad-hoc) wrapper.
func cmsSignerCN(der []byte) string {
	if len(der) == 0 {
		return ""
	}
	p7, err := pkcs7.Parse(der)
	if err != nil || len(p7.Signers) == 0 {
		return ""
	}
	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(serial) == 0 {
			return cert.Subject.CommonName
		}
	}
	return ""
}
