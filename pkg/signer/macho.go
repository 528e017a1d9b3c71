package signer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
)

const (
	// signatures are padded to this size
	signatureAlign = 0x4000
	// fat slices start on this boundary
	fatAlign  = 0x4000
	pageAlign = 0x1000
)

// signTarget describes one Mach-O to sign.
type signTarget struct {
	path string
	id   string
	// isMain is set for a bundle's CFBundleExecutable
	isMain          bool
	entitlementsXML []byte
	entitlementsDER []byte
	// infoPlist and resourcesHash are bound into the main executable's
	// special slots
	infoPlist     []byte
	resourcesHash []byte
}

// isMachO sniffs the magic number of the file at path.
func isMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	switch binary.LittleEndian.Uint32(magic[:]) {
	case 0xfeedfacf, 0xfeedface: // MH_MAGIC_64, MH_MAGIC
		return true
	}
	switch binary.BigEndian.Uint32(magic[:]) {
	case 0xcafebabe, 0xcafebabf: // FAT_MAGIC, FAT_MAGIC_64
		return true
	}
	return false
}

// signFile re-signs the Mach-O at target.path in place, preserving its mode.
func signFile(target signTarget, id *Identity) error {
	info, err := os.Stat(target.path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(target.path)
	if err != nil {
		return err
	}

	var signed []byte
	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		signed, err = signThin(data, m, target, id)
		m.Close()
		if err != nil {
			return err
		}
	} else {
		signed, err = signFat(data, target, id)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(target.path, signed, info.Mode().Perm())
}

func signThin(data []byte, m *macho.File, target signTarget, id *Identity) ([]byte, error) {
	var (
		textOffset, textSize uint64
		linkeditCmd          uint32
		linkeditFileoff      uint64
		csCmd                uint32
		codeSize             uint64
		hasSignature         bool
	)

	headerSize := uint32(32)
	if m.Magic == types.Magic32 {
		headerSize = 28
	}
	cmdOffset := headerSize
	for _, load := range m.Loads {
		switch l := load.(type) {
		case *macho.Segment:
			switch l.Name {
			case "__TEXT":
				textOffset, textSize = l.Offset, l.Filesz
			case "__LINKEDIT":
				linkeditCmd, linkeditFileoff = cmdOffset, l.Offset
			}
		case *macho.CodeSignature:
			if !hasSignature {
				csCmd, codeSize, hasSignature = cmdOffset, uint64(l.Offset), true
			}
		}
		cmdOffset += load.LoadSize()
	}
	if !hasSignature {
		return nil, fmt.Errorf("%s has no LC_CODE_SIGNATURE load command", target.path)
	}
	if codeSize > uint64(len(data)) || uint64(csCmd)+16 > codeSize {
		return nil, fmt.Errorf("%s: code signature offset 0x%x is outside the file", target.path, codeSize)
	}
	if linkeditCmd > 0 && uint64(linkeditCmd)+56 > codeSize {
		return nil, fmt.Errorf("%s: __LINKEDIT load command is truncated", target.path)
	}
	if linkeditFileoff > codeSize {
		return nil, fmt.Errorf("%s: __LINKEDIT starts after the code signature", target.path)
	}

	flags := ctypes.NONE
	if len(id.Chain) == 0 {
		flags = ctypes.ADHOC
	}
	config := &codesign.Config{
		ID:              target.id,
		TeamID:          id.TeamID,
		IsMain:          target.isMain,
		Flags:           flags,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    target.entitlementsXML,
		EntitlementsDER: target.entitlementsDER,
		CertChain:       id.Chain,
		SignerFunction:  cmsSigner(id),
		InfoPlist:       target.infoPlist,
	}
	config.InitSlotHashes()
	if len(target.resourcesHash) > 0 {
		config.SlotHashes.ResourceDir = target.resourcesHash
	}
	if len(target.entitlementsXML) > 0 {
		// unset slot hashes fall back to these; entitlement slots stay
		// nil so they are not checked against a previous signature
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
		for _, i := range []int{1, 3, 4} {
			config.SpecialSlots[i].Hash = ctypes.EmptySha256Slot
		}
	}

	sigSize := codesign.EstimateCodeSignatureSize(config)
	sigSize = (sigSize + signatureAlign - 1) / signatureAlign * signatureAlign

	// The load commands must describe the final layout before the page
	// hashes are computed over them.
	code := make([]byte, codeSize)
	copy(code, data[:codeSize])
	binary.LittleEndian.PutUint32(code[csCmd+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(code[csCmd+12:], uint32(sigSize))

	if linkeditCmd > 0 {
		filesize := codeSize + sigSize - linkeditFileoff
		vmsize := (filesize + pageAlign - 1) / pageAlign * pageAlign
		if m.Magic == types.Magic64 {
			// segment_command_64: vmsize at +32, filesize at +48
			binary.LittleEndian.PutUint64(code[linkeditCmd+32:], vmsize)
			binary.LittleEndian.PutUint64(code[linkeditCmd+48:], filesize)
		} else {
			// segment_command: vmsize at +28, filesize at +36
			binary.LittleEndian.PutUint32(code[linkeditCmd+28:], uint32(vmsize))
			binary.LittleEndian.PutUint32(code[linkeditCmd+36:], uint32(filesize))
		}
	}

	sig, err := codesign.Sign(bytes.NewReader(code), config)
	if err != nil {
		return nil, fmt.Errorf("failed to build code signature: %w", err)
	}
	if uint64(len(sig)) > sigSize {
		return nil, fmt.Errorf("code signature is %d bytes, %d were reserved", len(sig), sigSize)
	}
	if uint64(len(sig)) < sigSize {
		padded := make([]byte, sigSize)
		copy(padded, sig)
		sig = padded
	}
	// SuperBlob length covers the padding
	if len(sig) >= 8 {
		binary.BigEndian.PutUint32(sig[4:], uint32(len(sig)))
	}
	return append(code, sig...), nil
}

func signFat(data []byte, target signTarget, id *Identity) ([]byte, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s is not a Mach-O binary: %w", target.path, err)
	}
	defer fat.Close()

	slices := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%s: slice %d extends beyond the file", target.path, i)
		}
		slice := data[arch.Offset:end]
		m, err := macho.NewFile(bytes.NewReader(slice))
		if err != nil {
			return nil, fmt.Errorf("failed to parse slice %d: %w", i, err)
		}
		signed, err := signThin(slice, m, target, id)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		slices[i] = signed
	}

	// fat_header (8 bytes) followed by one 20-byte fat_arch per slice
	offsets := make([]uint32, len(slices))
	end := uint32(8 + 20*len(slices))
	for i, s := range slices {
		end = (end + fatAlign - 1) / fatAlign * fatAlign
		offsets[i] = end
		end += uint32(len(s))
	}

	out := make([]byte, end)
	binary.BigEndian.PutUint32(out[0:], 0xcafebabe)
	binary.BigEndian.PutUint32(out[4:], uint32(len(slices)))
	for i, arch := range fat.Arches {
		h := out[8+20*i:]
		binary.BigEndian.PutUint32(h[0:], uint32(arch.CPU))
		binary.BigEndian.PutUint32(h[4:], uint32(arch.SubCPU))
		binary.BigEndian.PutUint32(h[8:], offsets[i])
		binary.BigEndian.PutUint32(h[12:], uint32(len(slices[i])))
		binary.BigEndian.PutUint32(h[16:], arch.Align)
		copy(out[offsets[i]:], slices[i])
	}
	return out, nil
}

// cmsSigner returns the detached CMS signer over a CodeDirectory.
func cmsSigner(id *Identity) func([]byte) ([]byte, error) {
	return func(codeDirectory []byte) ([]byte, error) {
		sd, err := pkcs7.NewSignedData(codeDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		if err := sd.AddSigner(id.Certificate, id.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		for i, c := range id.Chain {
			if i > 0 {
				sd.AddCertificate(c)
			}
		}
		sd.Detach()
		return sd.Finish()
	}
}
