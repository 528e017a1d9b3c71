package signer

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"howett.net/plist"
)

// EntitlementsToXML renders entitlements as an XML plist.
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlements decodes a plist entitlements document.
func ParseEntitlements(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	return entitlements, nil
}

// DER tags used by Apple's entitlements encoding.
const (
	tagOctetString = 0x04
	tagUTF8String  = 0x0c
	tagSequence    = 0x30
	tagDict        = 0xb0 // [16] context-specific, constructed
	tagTopLevel    = 0x70 // [APPLICATION 16], constructed
)

// EntitlementsToDER encodes entitlements in the DER form that accompanies the
// XML blob in modern code signatures:
//
//	[APPLICATION 16] { INTEGER 1, dict }
//	dict   = [16] { SEQUENCE { UTF8String key, value }... }   sorted by key
//	array  = SEQUENCE { value... }
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := derDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	return tlv(tagTopLevel, append(version, dict...)), nil
}

func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", key, err)
		}
		pair := append(tlv(tagUTF8String, []byte(key)), value...)
		pairs = append(pairs, tlv(tagSequence, pair)...)
	}
	return tlv(tagDict, pairs), nil
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return tlv(tagUTF8String, []byte(val)), nil
	case int:
		return asn1.Marshal(int64(val))
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []byte:
		return tlv(tagOctetString, val), nil
	case []interface{}:
		var items []byte
		for _, item := range val {
			b, err := derValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, b...)
		}
		return tlv(tagSequence, items), nil
	case []string:
		var items []byte
		for _, item := range val {
			items = append(items, tlv(tagUTF8String, []byte(item))...)
		}
		return tlv(tagSequence, items), nil
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type %T", v)
	}
}

// tlv encodes a DER tag-length-value triple.
func tlv(tag byte, content []byte) []byte {
	n := len(content)
	out := []byte{tag}
	if n < 0x80 {
		out = append(out, byte(n))
	} else {
		var length []byte
		for l := n; l > 0; l >>= 8 {
			length = append([]byte{byte(l)}, length...)
		}
		out = append(out, 0x80|byte(len(length)))
		out = append(out, length...)
	}
	return append(out, content...)
}
