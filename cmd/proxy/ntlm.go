package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Native-auth wire framing: the classic three-message NTLM exchange.
// Only the framing is implemented; the proxy never verifies the
// challenge response cryptographically, it extracts the asserted
// username and domain the way desktop SSO front doors do.

const ntlmSignature = "NTLMSSP\x00"

// Message types
const (
	ntlmTypeNegotiate    = 1
	ntlmTypeChallenge    = 2
	ntlmTypeAuthenticate = 3
)

// Negotiate flags advertised in the challenge
const challengeFlags uint32 = 0x00010205 // unicode | request-target | NTLM | target-type-domain

// ntlmMessageType validates the signature and returns the message type
func ntlmMessageType(data []byte) (int, error) {
	if len(data) < 12 {
		return 0, fmt.Errorf("message too short (%d bytes)", len(data))
	}
	if string(data[:8]) != ntlmSignature {
		return 0, fmt.Errorf("bad signature")
	}
	return int(binary.LittleEndian.Uint32(data[8:12])), nil
}

// newServerChallenge returns 8 random challenge bytes
func newServerChallenge() ([8]byte, error) {
	var challenge [8]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return challenge, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

// buildChallengeMessage frames a Type-2 message carrying the server
// challenge and the target domain.
func buildChallengeMessage(challenge [8]byte, domain string) []byte {
	target := encodeUTF16LE(domain)

	// Fixed part is 48 bytes; the target name payload follows.
	msg := make([]byte, 48+len(target))
	copy(msg[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:12], ntlmTypeChallenge)

	// Target name security buffer
	binary.LittleEndian.PutUint16(msg[12:14], uint16(len(target)))
	binary.LittleEndian.PutUint16(msg[14:16], uint16(len(target)))
	binary.LittleEndian.PutUint32(msg[16:20], 48)

	binary.LittleEndian.PutUint32(msg[20:24], challengeFlags)
	copy(msg[24:32], challenge[:])
	// msg[32:40] reserved, zero
	// msg[40:48] target info security buffer, empty
	copy(msg[48:], target)
	return msg
}

// parseAuthenticateMessage extracts the username and domain from a
// Type-3 message. Field descriptors sit at fixed offsets: domain
// length at 28, domain offset at 32, user length at 36, user offset
// at 40; the strings are UTF-16LE.
func parseAuthenticateMessage(data []byte) (user, domain string, err error) {
	msgType, err := ntlmMessageType(data)
	if err != nil {
		return "", "", err
	}
	if msgType != ntlmTypeAuthenticate {
		return "", "", fmt.Errorf("expected type 3, got type %d", msgType)
	}
	if len(data) < 44 {
		return "", "", fmt.Errorf("authenticate message too short (%d bytes)", len(data))
	}

	domain, err = readSecurityBuffer(data, 28, 32)
	if err != nil {
		return "", "", fmt.Errorf("domain field: %w", err)
	}
	user, err = readSecurityBuffer(data, 36, 40)
	if err != nil {
		return "", "", fmt.Errorf("user field: %w", err)
	}
	if user == "" {
		return "", "", fmt.Errorf("empty username")
	}
	return user, domain, nil
}

// readSecurityBuffer reads one (length, offset) described UTF-16LE string
func readSecurityBuffer(data []byte, lenOff, bufOff int) (string, error) {
	if len(data) < bufOff+4 {
		return "", fmt.Errorf("descriptor out of range")
	}
	length := int(binary.LittleEndian.Uint16(data[lenOff : lenOff+2]))
	offset := int(binary.LittleEndian.Uint32(data[bufOff : bufOff+4]))
	if length == 0 {
		return "", nil
	}
	if length%2 != 0 || offset+length > len(data) {
		return "", fmt.Errorf("buffer out of range (off=%d len=%d)", offset, length)
	}
	return decodeUTF16LE(data[offset : offset+length]), nil
}

func encodeUTF16LE(s string) []byte {
	codes := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(codes))
	for i, c := range codes {
		binary.LittleEndian.PutUint16(out[2*i:], c)
	}
	return out
}

func decodeUTF16LE(data []byte) string {
	codes := make([]uint16, len(data)/2)
	for i := range codes {
		codes[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return string(utf16.Decode(codes))
}
